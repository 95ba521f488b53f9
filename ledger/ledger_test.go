package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cloakpoll/cloakpoll/crypto"
	"github.com/cloakpoll/cloakpoll/protocol"
	"github.com/cloakpoll/cloakpoll/testutil"
)

// authStore implements the slice of protocol.SurveyStore the ledger consults.
type authStore struct {
	authorized map[string]bool
}

func (s *authStore) GetQuestionValues(protocol.SurveyID, uint32) ([]crypto.CipherHandle, error) {
	return nil, nil
}
func (s *authStore) IsActive(protocol.SurveyID) (bool, error)    { return false, nil }
func (s *authStore) IsPublished(protocol.SurveyID) (bool, error) { return true, nil }
func (s *authStore) QuestionCount(protocol.SurveyID) (int, error) {
	return 1, nil
}
func (s *authStore) RecordResult(protocol.SurveyID, uint32, protocol.QuestionResult) error {
	return nil
}
func (s *authStore) IsAuthorizedRefunder(_ protocol.SurveyID, caller crypto.PublicKey) (bool, error) {
	return s.authorized[caller.String()], nil
}

func setupLedger(t *testing.T) (*Ledger, *testutil.FakeClock, *authStore) {
	clock := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	store := &authStore{authorized: make(map[string]bool)}

	l, err := New(testutil.NewTestConfig(), store, WithClock(clock.Now))
	require.NoError(t, err)
	return l, clock, store
}

func createRequest(t *testing.T, l *Ledger, surveyID protocol.SurveyID, id protocol.RequestID) {
	res, err := l.Reserve(surveyID, 0)
	require.NoError(t, err)
	require.NoError(t, res.Commit(id, protocol.DecryptionPayload{
		BlindedSum: crypto.CipherHandle{1, 2},
		Count:      3,
		Factor:     7,
	}))
}

func TestCompleteReturnsPayloadExactlyOnce(t *testing.T) {
	l, _, _ := setupLedger(t)
	surveyID := uuid.New()
	createRequest(t, l, surveyID, "req-1")

	payload, err := l.Complete("req-1")
	require.NoError(t, err)
	require.Equal(t, uint64(7), payload.Factor)
	require.Equal(t, uint32(3), payload.Count)

	// Second completion must fail with no payload.
	_, err = l.Complete("req-1")
	require.ErrorIs(t, err, protocol.ErrInvalidTransition)

	view, err := l.Status("req-1")
	require.NoError(t, err)
	require.Equal(t, protocol.StateCompleted, view.State)
}

func TestCompleteThenRefundFails(t *testing.T) {
	l, clock, _ := setupLedger(t)
	surveyID := uuid.New()
	createRequest(t, l, surveyID, "req-1")

	_, err := l.Complete("req-1")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = l.RefundTimeout("req-1")
	require.ErrorIs(t, err, protocol.ErrInvalidTransition)
}

func TestRefundThenCompleteFails(t *testing.T) {
	l, clock, _ := setupLedger(t)
	surveyID := uuid.New()
	createRequest(t, l, surveyID, "req-1")

	clock.Advance(2 * time.Hour)
	elapsed, err := l.RefundTimeout("req-1")
	require.NoError(t, err)
	require.Equal(t, 2*time.Hour, elapsed)

	_, err = l.Complete("req-1")
	require.ErrorIs(t, err, protocol.ErrInvalidTransition)

	view, err := l.Status("req-1")
	require.NoError(t, err)
	require.Equal(t, protocol.StateRefunded, view.State)
}

func TestTimeoutMonotonicity(t *testing.T) {
	l, clock, _ := setupLedger(t)
	surveyID := uuid.New()
	createRequest(t, l, surveyID, "req-1")

	// Just under the timeout: fails, state untouched.
	clock.Advance(time.Hour - time.Second)
	_, err := l.RefundTimeout("req-1")
	require.ErrorIs(t, err, protocol.ErrTimeoutNotReached)

	view, err := l.Status("req-1")
	require.NoError(t, err)
	require.Equal(t, protocol.StatePending, view.State)

	// Exactly at the timeout: succeeds.
	clock.Advance(time.Second)
	_, err = l.RefundTimeout("req-1")
	require.NoError(t, err)
}

func TestRefundScenarioTimeline(t *testing.T) {
	l, clock, _ := setupLedger(t)
	surveyID := uuid.New()
	createRequest(t, l, surveyID, "req-1")

	clock.Advance(30 * time.Minute)
	ok, err := l.CanTriggerRefund("req-1")
	require.NoError(t, err)
	require.False(t, ok, "refund must not be triggerable at t0+30min")

	clock.Advance(31 * time.Minute)
	ok, err = l.CanTriggerRefund("req-1")
	require.NoError(t, err)
	require.True(t, ok, "refund must be triggerable at t0+61min")

	_, err = l.RefundTimeout("req-1")
	require.NoError(t, err)

	_, err = l.Complete("req-1")
	require.ErrorIs(t, err, protocol.ErrInvalidTransition)
}

func TestManualRefundAuthorization(t *testing.T) {
	l, _, store := setupLedger(t)
	surveyID := uuid.New()
	createRequest(t, l, surveyID, "req-1")

	creator, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	stranger, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	store.authorized[creator.String()] = true

	// Unauthorized caller cannot refund; state untouched.
	err = l.RefundManual("req-1", stranger)
	require.ErrorIs(t, err, protocol.ErrUnauthorized)

	view, err := l.Status("req-1")
	require.NoError(t, err)
	require.Equal(t, protocol.StatePending, view.State)

	// Creator refunds before the timeout.
	require.NoError(t, l.RefundManual("req-1", creator))

	err = l.RefundManual("req-1", creator)
	require.ErrorIs(t, err, protocol.ErrInvalidTransition)
}

func TestReserveSerializesPerSurvey(t *testing.T) {
	l, _, _ := setupLedger(t)
	surveyID := uuid.New()

	res, err := l.Reserve(surveyID, 0)
	require.NoError(t, err)

	// Second reservation while the first is unresolved.
	_, err = l.Reserve(surveyID, 1)
	require.ErrorIs(t, err, protocol.ErrRequestAlreadyPending)

	// A different survey is independent.
	other, err := l.Reserve(uuid.New(), 0)
	require.NoError(t, err)
	other.Abort()

	// Abort releases the slot.
	res.Abort()
	res2, err := l.Reserve(surveyID, 0)
	require.NoError(t, err)
	require.NoError(t, res2.Commit("req-1", protocol.DecryptionPayload{Count: 1, Factor: 1}))

	// Committed request keeps the slot held until a terminal transition.
	_, err = l.Reserve(surveyID, 0)
	require.ErrorIs(t, err, protocol.ErrRequestAlreadyPending)

	_, err = l.Complete("req-1")
	require.NoError(t, err)

	res3, err := l.Reserve(surveyID, 0)
	require.NoError(t, err)
	res3.Abort()
}

func TestCommitDuplicateID(t *testing.T) {
	l, _, _ := setupLedger(t)
	createRequest(t, l, uuid.New(), "req-1")

	res, err := l.Reserve(uuid.New(), 0)
	require.NoError(t, err)
	err = res.Commit("req-1", protocol.DecryptionPayload{Count: 1, Factor: 1})
	require.ErrorIs(t, err, protocol.ErrDuplicateRequestID)
}

func TestStatusDerivesTimedOut(t *testing.T) {
	l, clock, _ := setupLedger(t)
	surveyID := uuid.New()
	createRequest(t, l, surveyID, "req-1")

	view, err := l.Status("req-1")
	require.NoError(t, err)
	require.Equal(t, surveyID, view.SurveyID)
	require.Equal(t, uint32(0), view.QuestionIndex)
	require.False(t, view.IsTimedOut)

	clock.Advance(2 * time.Hour)
	view, err = l.Status("req-1")
	require.NoError(t, err)
	require.True(t, view.IsTimedOut)

	// Terminal states are never reported as timed out.
	_, err = l.RefundTimeout("req-1")
	require.NoError(t, err)
	view, err = l.Status("req-1")
	require.NoError(t, err)
	require.False(t, view.IsTimedOut)
}

func TestUnknownRequest(t *testing.T) {
	l, _, _ := setupLedger(t)

	_, err := l.Complete("missing")
	require.ErrorIs(t, err, protocol.ErrRequestNotFound)
	_, err = l.RefundTimeout("missing")
	require.ErrorIs(t, err, protocol.ErrRequestNotFound)
	_, err = l.Status("missing")
	require.ErrorIs(t, err, protocol.ErrRequestNotFound)
}
