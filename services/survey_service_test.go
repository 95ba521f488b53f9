package services

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/cloakpoll/cloakpoll/aggregation"
	"github.com/cloakpoll/cloakpoll/crypto"
	"github.com/cloakpoll/cloakpoll/ledger"
	"github.com/cloakpoll/cloakpoll/protocol"
	"github.com/cloakpoll/cloakpoll/registry"
	"github.com/cloakpoll/cloakpoll/testutil"
)

type serviceFixture struct {
	server  *httptest.Server
	service *Service
	backend *testutil.MockBackend
	scheme  *testutil.PlainScheme
	clock   *testutil.FakeClock

	ownerKey   crypto.PrivateKey
	ownerPub   crypto.PublicKey
	creatorKey crypto.PrivateKey
	creatorPub crypto.PublicKey
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	ownerPub, ownerKey, err := testutil.GenerateTestKeyPair()
	require.NoError(t, err)
	creatorPub, creatorKey, err := testutil.GenerateTestKeyPair()
	require.NoError(t, err)

	cfg := testutil.NewTestConfig()
	clock := testutil.NewFakeClock(time.Now())

	reg, err := registry.New(cfg, ownerPub, registry.WithClock(clock.Now))
	require.NoError(t, err)

	ldg, err := ledger.New(cfg, reg, ledger.WithClock(clock.Now))
	require.NoError(t, err)

	backend, err := testutil.NewMockBackend()
	require.NoError(t, err)

	scheme := testutil.NewPlainScheme()
	engine, err := aggregation.NewEngine(cfg, scheme, backend, ldg, reg)
	require.NoError(t, err)

	svc, err := NewService(&ServiceConfig{
		Config:    cfg,
		JWTSecret: []byte("test-secret"),
		TokenTTL:  time.Hour,
	}, reg, engine, ldg, NewInMemoryArchive(), nil)
	require.NoError(t, err)

	router := chi.NewRouter()
	svc.RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &serviceFixture{
		server:     server,
		service:    svc,
		backend:    backend,
		scheme:     scheme,
		clock:      clock,
		ownerKey:   ownerKey,
		ownerPub:   ownerPub,
		creatorKey: creatorKey,
		creatorPub: creatorPub,
	}
}

func (f *serviceFixture) post(t *testing.T, path, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (f *serviceFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := f.server.Client().Get(f.server.URL + path)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *serviceFixture) token(t *testing.T, pub crypto.PublicKey, priv crypto.PrivateKey) string {
	t.Helper()

	sig, err := crypto.Sign(priv, TokenProofMessage(pub))
	require.NoError(t, err)

	resp := f.post(t, "/token", "", &TokenRequest{
		PublicKey: pub.String(),
		Signature: hex.EncodeToString(sig.Bytes()),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[TokenResponse](t, resp).Token
}

func (f *serviceFixture) createSurvey(t *testing.T, token string, questions int) protocol.SurveyID {
	t.Helper()

	prompts := make([]protocol.Question, questions)
	for i := range prompts {
		prompts[i] = protocol.Question{Prompt: "how satisfied are you?"}
	}

	resp := f.post(t, "/surveys", token, &CreateSurveyRequest{
		Questions: prompts,
		StartsAt:  f.clock.Now().Add(-time.Minute),
		EndsAt:    f.clock.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[SurveyResponse](t, resp).Survey.ID
}

func (f *serviceFixture) submitRating(t *testing.T, surveyID protocol.SurveyID, ratings ...uint64) {
	t.Helper()

	_, respondentKey, err := testutil.GenerateTestKeyPair()
	require.NoError(t, err)

	values := make([]string, 0, len(ratings))
	for _, r := range ratings {
		handle, err := f.scheme.Encrypt(r)
		require.NoError(t, err)
		values = append(values, hex.EncodeToString(handle))
	}

	signed, err := protocol.NewSigned(respondentKey, &ResponseSubmission{Values: values})
	require.NoError(t, err)

	resp := f.post(t, "/surveys/"+surveyID.String()+"/responses", "", signed)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
}

func TestTokenRequiresKeyPossession(t *testing.T) {
	f := newServiceFixture(t)

	// A token request signed with the wrong key is rejected.
	_, otherKey, err := testutil.GenerateTestKeyPair()
	require.NoError(t, err)

	sig, err := crypto.Sign(otherKey, TokenProofMessage(f.creatorPub))
	require.NoError(t, err)

	resp := f.post(t, "/token", "", &TokenRequest{
		PublicKey: f.creatorPub.String(),
		Signature: hex.EncodeToString(sig.Bytes()),
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// The holder of the key gets one.
	token := f.token(t, f.creatorPub, f.creatorKey)
	require.NotEmpty(t, token)
}

func TestCreateSurveyRequiresAuth(t *testing.T) {
	f := newServiceFixture(t)

	resp := f.post(t, "/surveys", "", &CreateSurveyRequest{
		Questions: []protocol.Question{{Prompt: "q"}},
		StartsAt:  f.clock.Now(),
		EndsAt:    f.clock.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestFullDecryptionCycleOverHTTP(t *testing.T) {
	f := newServiceFixture(t)
	token := f.token(t, f.creatorPub, f.creatorKey)

	surveyID := f.createSurvey(t, token, 1)
	f.submitRating(t, surveyID, 5)
	f.submitRating(t, surveyID, 4)
	f.submitRating(t, surveyID, 3)

	resp := f.post(t, "/surveys/"+surveyID.String()+"/close", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, "/surveys/"+surveyID.String()+"/publish", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, "/surveys/"+surveyID.String()+"/questions/0/decrypt", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	requestID := decode[DecryptRequestResponse](t, resp).RequestID
	require.NotEmpty(t, requestID)

	// Pending status visible over HTTP.
	statusResp := f.get(t, "/requests/"+string(requestID))
	require.Equal(t, http.StatusOK, statusResp.StatusCode)
	view := decode[protocol.StatusView](t, statusResp)
	require.Equal(t, protocol.StatePending, view.State)
	require.False(t, view.IsTimedOut)

	// Oracle delivers through the callback endpoint.
	cleartexts, proof, err := f.backend.SignedCleartexts(requestID)
	require.NoError(t, err)

	resp = f.post(t, "/callback", "", &CallbackRequest{
		RequestID:  requestID,
		Cleartexts: cleartexts,
		Proof:      proof.Bytes(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// (5+4+3)/3 = 4 exactly.
	resultResp := f.get(t, "/surveys/"+surveyID.String()+"/questions/0/result")
	require.Equal(t, http.StatusOK, resultResp.StatusCode)
	result := decode[ResultResponse](t, resultResp)
	require.Equal(t, uint64(4), result.Result.Average)
	require.Equal(t, uint32(3), result.Result.Count)
	require.True(t, result.Result.Revealed)

	// Redelivery hits the transition guard.
	resp = f.post(t, "/callback", "", &CallbackRequest{
		RequestID:  requestID,
		Cleartexts: cleartexts,
		Proof:      proof.Bytes(),
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestCallbackRejectsForgedProof(t *testing.T) {
	f := newServiceFixture(t)
	token := f.token(t, f.creatorPub, f.creatorKey)

	surveyID := f.createSurvey(t, token, 1)
	f.submitRating(t, surveyID, 5)

	f.post(t, "/surveys/"+surveyID.String()+"/close", token, nil).Body.Close()
	f.post(t, "/surveys/"+surveyID.String()+"/publish", token, nil).Body.Close()

	resp := f.post(t, "/surveys/"+surveyID.String()+"/questions/0/decrypt", "", nil)
	requestID := decode[DecryptRequestResponse](t, resp).RequestID

	forged := protocol.EncodeCleartexts([]*big.Int{big.NewInt(1)})
	sig, err := f.backend.ForgedCleartexts(requestID, forged)
	require.NoError(t, err)

	cbResp := f.post(t, "/callback", "", &CallbackRequest{
		RequestID:  requestID,
		Cleartexts: forged,
		Proof:      sig.Bytes(),
	})
	require.Equal(t, http.StatusForbidden, cbResp.StatusCode)
	cbResp.Body.Close()

	// The request stays pending.
	statusResp := f.get(t, "/requests/"+string(requestID))
	view := decode[protocol.StatusView](t, statusResp)
	require.Equal(t, protocol.StatePending, view.State)
}

func TestDecryptValidationStatusCodes(t *testing.T) {
	f := newServiceFixture(t)
	token := f.token(t, f.creatorPub, f.creatorKey)

	surveyID := f.createSurvey(t, token, 1)
	f.submitRating(t, surveyID, 5)

	// Still active.
	resp := f.post(t, "/surveys/"+surveyID.String()+"/questions/0/decrypt", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	f.post(t, "/surveys/"+surveyID.String()+"/close", token, nil).Body.Close()

	// Closed but not published.
	resp = f.post(t, "/surveys/"+surveyID.String()+"/questions/0/decrypt", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	f.post(t, "/surveys/"+surveyID.String()+"/publish", token, nil).Body.Close()

	// Unknown question.
	resp = f.post(t, "/surveys/"+surveyID.String()+"/questions/7/decrypt", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// First request succeeds, second conflicts on the pending slot.
	resp = f.post(t, "/surveys/"+surveyID.String()+"/questions/0/decrypt", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, "/surveys/"+surveyID.String()+"/questions/0/decrypt", "", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Unknown survey.
	resp = f.get(t, "/surveys/00000000-0000-0000-0000-000000000000")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestTimeoutRefundOverHTTP(t *testing.T) {
	f := newServiceFixture(t)
	token := f.token(t, f.creatorPub, f.creatorKey)

	surveyID := f.createSurvey(t, token, 1)
	f.submitRating(t, surveyID, 5)
	f.post(t, "/surveys/"+surveyID.String()+"/close", token, nil).Body.Close()
	f.post(t, "/surveys/"+surveyID.String()+"/publish", token, nil).Body.Close()

	resp := f.post(t, "/surveys/"+surveyID.String()+"/questions/0/decrypt", "", nil)
	requestID := decode[DecryptRequestResponse](t, resp).RequestID

	// Too early: 425 and not refundable.
	refResp := f.get(t, "/requests/"+string(requestID)+"/refundable")
	require.False(t, decode[RefundableResponse](t, refResp).Refundable)

	earlyResp := f.post(t, "/requests/"+string(requestID)+"/refund", "", nil)
	require.Equal(t, http.StatusTooEarly, earlyResp.StatusCode)
	earlyResp.Body.Close()

	f.clock.Advance(2 * time.Hour)

	refResp = f.get(t, "/requests/"+string(requestID)+"/refundable")
	require.True(t, decode[RefundableResponse](t, refResp).Refundable)

	// Anyone may trigger; no token attached.
	refundResp := f.post(t, "/requests/"+string(requestID)+"/refund", "", nil)
	require.Equal(t, http.StatusOK, refundResp.StatusCode)
	refund := decode[RefundResponse](t, refundResp)
	require.GreaterOrEqual(t, refund.ElapsedSeconds, int64(2*60*60))

	statusResp := f.get(t, "/requests/"+string(requestID))
	view := decode[protocol.StatusView](t, statusResp)
	require.Equal(t, protocol.StateRefunded, view.State)
}

func TestManualRefundAuthorization(t *testing.T) {
	f := newServiceFixture(t)
	creatorToken := f.token(t, f.creatorPub, f.creatorKey)

	surveyID := f.createSurvey(t, creatorToken, 1)
	f.submitRating(t, surveyID, 3)
	f.post(t, "/surveys/"+surveyID.String()+"/close", creatorToken, nil).Body.Close()
	f.post(t, "/surveys/"+surveyID.String()+"/publish", creatorToken, nil).Body.Close()

	resp := f.post(t, "/surveys/"+surveyID.String()+"/questions/0/decrypt", "", nil)
	requestID := decode[DecryptRequestResponse](t, resp).RequestID

	// A random authenticated caller is not authorized.
	strangerPub, strangerKey, err := testutil.GenerateTestKeyPair()
	require.NoError(t, err)
	strangerToken := f.token(t, strangerPub, strangerKey)

	denied := f.post(t, "/requests/"+string(requestID)+"/refund/manual", strangerToken,
		&ManualRefundRequest{Reason: "not mine"})
	require.Equal(t, http.StatusForbidden, denied.StatusCode)
	denied.Body.Close()

	// The creator may refund before the timeout.
	granted := f.post(t, "/requests/"+string(requestID)+"/refund/manual", creatorToken,
		&ManualRefundRequest{Reason: "oracle stuck"})
	require.Equal(t, http.StatusOK, granted.StatusCode)
	granted.Body.Close()

	statusResp := f.get(t, "/requests/"+string(requestID))
	view := decode[protocol.StatusView](t, statusResp)
	require.Equal(t, protocol.StateRefunded, view.State)
}

func TestSurveyViewShowsPendingRequest(t *testing.T) {
	f := newServiceFixture(t)
	token := f.token(t, f.creatorPub, f.creatorKey)

	surveyID := f.createSurvey(t, token, 2)
	f.submitRating(t, surveyID, 4, 2)
	f.post(t, "/surveys/"+surveyID.String()+"/close", token, nil).Body.Close()
	f.post(t, "/surveys/"+surveyID.String()+"/publish", token, nil).Body.Close()

	viewResp := f.get(t, "/surveys/"+surveyID.String())
	require.Empty(t, decode[SurveyResponse](t, viewResp).PendingRequestID)

	resp := f.post(t, "/surveys/"+surveyID.String()+"/questions/1/decrypt", "", nil)
	requestID := decode[DecryptRequestResponse](t, resp).RequestID

	viewResp = f.get(t, "/surveys/"+surveyID.String())
	require.Equal(t, requestID, decode[SurveyResponse](t, viewResp).PendingRequestID)
}

func TestArchiveTracksRequestLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	token := f.token(t, f.creatorPub, f.creatorKey)

	surveyID := f.createSurvey(t, token, 1)
	f.submitRating(t, surveyID, 5)
	f.post(t, "/surveys/"+surveyID.String()+"/close", token, nil).Body.Close()
	f.post(t, "/surveys/"+surveyID.String()+"/publish", token, nil).Body.Close()

	resp := f.post(t, "/surveys/"+surveyID.String()+"/questions/0/decrypt", "", nil)
	requestID := decode[DecryptRequestResponse](t, resp).RequestID

	views, err := f.service.archive.LoadRequests(surveyID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, protocol.StatePending, views[0].State)

	cleartexts, proof, err := f.backend.SignedCleartexts(requestID)
	require.NoError(t, err)
	f.post(t, "/callback", "", &CallbackRequest{
		RequestID:  requestID,
		Cleartexts: cleartexts,
		Proof:      proof.Bytes(),
	}).Body.Close()

	views, err = f.service.archive.LoadRequests(surveyID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, protocol.StateCompleted, views[0].State)
}
