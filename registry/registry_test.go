package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloakpoll/cloakpoll/crypto"
	"github.com/cloakpoll/cloakpoll/protocol"
	"github.com/cloakpoll/cloakpoll/testutil"
)

func setupRegistry(t *testing.T, opts ...testutil.TestConfigOption) (*Registry, *testutil.FakeClock, crypto.PublicKey) {
	t.Helper()

	clock := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	owner, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	reg, err := New(testutil.NewTestConfig(opts...), owner, WithClock(clock.Now))
	require.NoError(t, err)
	return reg, clock, owner
}

func encryptOne(t *testing.T, rating uint64) []crypto.CipherHandle {
	t.Helper()
	value, err := testutil.NewPlainScheme().Encrypt(rating)
	require.NoError(t, err)
	return []crypto.CipherHandle{value}
}

func submit(t *testing.T, reg *Registry, surveyID protocol.SurveyID, rating uint64) {
	t.Helper()
	respondent, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, reg.SubmitResponse(surveyID, respondent, encryptOne(t, rating)))
}

func TestSurveyLifecycle(t *testing.T) {
	reg, clock, owner := setupRegistry(t)

	survey, err := reg.CreateSurvey(owner,
		[]protocol.Question{{Prompt: "a"}, {Prompt: "b"}},
		clock.Now(), clock.Now().Add(time.Hour))
	require.NoError(t, err)

	active, err := reg.IsActive(survey.ID)
	require.NoError(t, err)
	require.True(t, active)

	// Publishing an active survey is rejected.
	err = reg.PublishResults(survey.ID, owner)
	require.ErrorIs(t, err, protocol.ErrSurveyActive)

	// Publishing a closed survey with no responses is rejected.
	require.NoError(t, reg.CloseSurvey(survey.ID, owner))
	err = reg.PublishResults(survey.ID, owner)
	require.ErrorIs(t, err, protocol.ErrNoResponses)
}

func TestValuesAppendOnlyWhileActive(t *testing.T) {
	reg, clock, owner := setupRegistry(t)

	survey, err := reg.CreateSurvey(owner,
		[]protocol.Question{{Prompt: "q"}}, clock.Now(), clock.Now().Add(time.Hour))
	require.NoError(t, err)

	submit(t, reg, survey.ID, 4)
	require.NoError(t, reg.CloseSurvey(survey.ID, owner))

	respondent, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	err = reg.SubmitResponse(survey.ID, respondent, encryptOne(t, 3))
	require.ErrorIs(t, err, protocol.ErrSurveyClosed)

	values, err := reg.GetQuestionValues(survey.ID, 0)
	require.NoError(t, err)
	require.Len(t, values, 1)
}

func TestResponseWindow(t *testing.T) {
	reg, clock, owner := setupRegistry(t)

	survey, err := reg.CreateSurvey(owner,
		[]protocol.Question{{Prompt: "q"}},
		clock.Now().Add(time.Hour), clock.Now().Add(2*time.Hour))
	require.NoError(t, err)

	respondent, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	// Before the window opens.
	err = reg.SubmitResponse(survey.ID, respondent, encryptOne(t, 3))
	require.ErrorIs(t, err, protocol.ErrOutsideWindow)

	clock.Advance(90 * time.Minute)
	require.NoError(t, reg.SubmitResponse(survey.ID, respondent, encryptOne(t, 3)))

	// [start, end): the end instant is outside the window.
	clock.Advance(30 * time.Minute)
	other, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	err = reg.SubmitResponse(survey.ID, other, encryptOne(t, 3))
	require.ErrorIs(t, err, protocol.ErrOutsideWindow)
}

func TestDuplicateRespondent(t *testing.T) {
	reg, clock, owner := setupRegistry(t)

	survey, err := reg.CreateSurvey(owner,
		[]protocol.Question{{Prompt: "q"}}, clock.Now(), clock.Now().Add(time.Hour))
	require.NoError(t, err)

	respondent, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, reg.SubmitResponse(survey.ID, respondent, encryptOne(t, 5)))

	err = reg.SubmitResponse(survey.ID, respondent, encryptOne(t, 1))
	require.ErrorIs(t, err, protocol.ErrDuplicateResponse)
}

func TestPublishOnce(t *testing.T) {
	reg, clock, owner := setupRegistry(t)

	survey, err := reg.CreateSurvey(owner,
		[]protocol.Question{{Prompt: "q"}}, clock.Now(), clock.Now().Add(time.Hour))
	require.NoError(t, err)

	submit(t, reg, survey.ID, 4)
	require.NoError(t, reg.CloseSurvey(survey.ID, owner))
	require.NoError(t, reg.PublishResults(survey.ID, owner))

	err = reg.PublishResults(survey.ID, owner)
	require.ErrorIs(t, err, protocol.ErrAlreadyPublished)

	published, err := reg.IsPublished(survey.ID)
	require.NoError(t, err)
	require.True(t, published)
}

func TestLifecycleAuthorization(t *testing.T) {
	reg, clock, owner := setupRegistry(t)

	creator, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	stranger, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	survey, err := reg.CreateSurvey(creator,
		[]protocol.Question{{Prompt: "q"}}, clock.Now(), clock.Now().Add(time.Hour))
	require.NoError(t, err)

	err = reg.CloseSurvey(survey.ID, stranger)
	require.ErrorIs(t, err, protocol.ErrUnauthorized)

	// Both the creator and the system owner are authorized.
	ok, err := reg.IsAuthorizedRefunder(survey.ID, creator)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = reg.IsAuthorizedRefunder(survey.ID, owner)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = reg.IsAuthorizedRefunder(survey.ID, stranger)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, reg.CloseSurvey(survey.ID, owner))
}

func TestQuestionValueRouting(t *testing.T) {
	reg, clock, owner := setupRegistry(t)
	scheme := testutil.NewPlainScheme()

	survey, err := reg.CreateSurvey(owner,
		[]protocol.Question{{Prompt: "a"}, {Prompt: "b"}},
		clock.Now(), clock.Now().Add(time.Hour))
	require.NoError(t, err)

	respondent, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	v1, err := scheme.Encrypt(2)
	require.NoError(t, err)
	v2, err := scheme.Encrypt(5)
	require.NoError(t, err)
	require.NoError(t, reg.SubmitResponse(survey.ID, respondent, []crypto.CipherHandle{v1, v2}))

	values, err := reg.GetQuestionValues(survey.ID, 1)
	require.NoError(t, err)
	require.Len(t, values, 1)
	require.Equal(t, uint64(5), scheme.Decode(values[0]))

	_, err = reg.GetQuestionValues(survey.ID, 2)
	require.ErrorIs(t, err, protocol.ErrQuestionNotFound)
}

func TestResponseBound(t *testing.T) {
	reg, clock, owner := setupRegistry(t, testutil.WithMaxResponses(2))

	survey, err := reg.CreateSurvey(owner,
		[]protocol.Question{{Prompt: "q"}}, clock.Now(), clock.Now().Add(time.Hour))
	require.NoError(t, err)

	submit(t, reg, survey.ID, 1)
	submit(t, reg, survey.ID, 2)

	respondent, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	err = reg.SubmitResponse(survey.ID, respondent, encryptOne(t, 3))
	require.Error(t, err)
}
