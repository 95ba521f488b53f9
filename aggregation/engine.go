package aggregation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cloakpoll/cloakpoll/crypto"
	"github.com/cloakpoll/cloakpoll/ledger"
	"github.com/cloakpoll/cloakpoll/metrics"
	"github.com/cloakpoll/cloakpoll/protocol"
)

// Engine computes encrypted aggregates over respondent values, submits them
// for decryption behind a blinding factor, and derives the revealed average
// when the oracle calls back. It implements protocol.CallbackHandler.
type Engine struct {
	cfg     *protocol.Config
	scheme  protocol.Scheme
	backend protocol.DecryptionBackend
	ledger  *ledger.Ledger
	store   protocol.SurveyStore
	entropy io.Reader
	log     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithEntropy overrides the blinding entropy source, for tests.
func WithEntropy(r io.Reader) Option {
	return func(e *Engine) { e.entropy = r }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// NewEngine creates an aggregation engine with the provided dependencies.
func NewEngine(cfg *protocol.Config, scheme protocol.Scheme, backend protocol.DecryptionBackend,
	ldg *ledger.Ledger, store protocol.SurveyStore, opts ...Option) (*Engine, error) {

	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if scheme == nil {
		return nil, errors.New("scheme cannot be nil")
	}
	if backend == nil {
		return nil, errors.New("decryption backend cannot be nil")
	}
	if ldg == nil {
		return nil, errors.New("ledger cannot be nil")
	}
	if store == nil {
		return nil, errors.New("survey store cannot be nil")
	}

	e := &Engine{
		cfg:     cfg,
		scheme:  scheme,
		backend: backend,
		ledger:  ldg,
		store:   store,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ComputeEncryptedAggregate folds all respondent values for one question into
// a single encrypted sum, returning the sum and the plain response count.
// The count is not secret, only the individual values are. An empty value set
// is a precondition violation, reported as an error rather than a silent
// zero: the registry's has-responses check must run first.
func (e *Engine) ComputeEncryptedAggregate(values []crypto.CipherHandle) (crypto.CipherHandle, uint32, error) {
	if len(values) == 0 {
		return nil, 0, protocol.ErrEmptyAggregate
	}

	sum := values[0]
	for _, v := range values[1:] {
		next, err := e.scheme.Add(sum, v)
		if err != nil {
			return nil, 0, fmt.Errorf("homomorphic add: %w", err)
		}
		sum = next
	}
	return sum, uint32(len(values)), nil
}

// SubmitAggregateRequest orchestrates a full aggregate-decryption submission
// for one survey question: survey must be closed and published, the question
// must exist and have at least one response, and the survey must have no
// other decryption request in flight. On success the ledger holds a Pending
// record and the returned id can be polled via RequestStatus.
//
// A result already revealed for the question does not block a new request;
// completion overwrites it. Only a concurrently pending request does.
func (e *Engine) SubmitAggregateRequest(ctx context.Context, surveyID protocol.SurveyID, questionIndex uint32) (protocol.RequestID, error) {
	active, err := e.store.IsActive(surveyID)
	if err != nil {
		return "", fmt.Errorf("checking survey state: %w", err)
	}
	if active {
		return "", protocol.ErrSurveyActive
	}

	published, err := e.store.IsPublished(surveyID)
	if err != nil {
		return "", fmt.Errorf("checking publish state: %w", err)
	}
	if !published {
		return "", protocol.ErrNotPublished
	}

	questions, err := e.store.QuestionCount(surveyID)
	if err != nil {
		return "", fmt.Errorf("checking question count: %w", err)
	}
	if int(questionIndex) >= questions {
		return "", protocol.ErrQuestionNotFound
	}

	values, err := e.store.GetQuestionValues(surveyID, questionIndex)
	if err != nil {
		return "", fmt.Errorf("fetching question values: %w", err)
	}
	if len(values) == 0 {
		return "", protocol.ErrNoResponses
	}

	sum, count, err := e.ComputeEncryptedAggregate(values)
	if err != nil {
		return "", err
	}

	return e.requestAggregateDecryption(ctx, surveyID, questionIndex, sum, count)
}

// requestAggregateDecryption blinds the encrypted sum, reserves the survey's
// request slot, submits to the backend, and commits the Pending ledger record.
// The slot is reserved before submission so a failed ledger insert can never
// leave an orphaned oracle-side request; a failed submission rolls the
// reservation back.
func (e *Engine) requestAggregateDecryption(ctx context.Context, surveyID protocol.SurveyID,
	questionIndex uint32, encryptedSum crypto.CipherHandle, count uint32) (protocol.RequestID, error) {

	factor, err := crypto.DeriveBlindingFactor(surveyID[:], questionIndex, e.entropy)
	if err != nil {
		return "", fmt.Errorf("deriving blinding factor: %w", err)
	}

	blindedSum, err := e.scheme.MulPlaintext(encryptedSum, factor)
	if err != nil {
		return "", fmt.Errorf("applying blinding: %w", err)
	}

	reservation, err := e.ledger.Reserve(surveyID, questionIndex)
	if err != nil {
		return "", err
	}

	id, err := e.backend.RequestDecryption(ctx, []crypto.CipherHandle{blindedSum})
	if err != nil {
		reservation.Abort()
		return "", fmt.Errorf("submitting decryption request: %w", err)
	}

	payload := protocol.DecryptionPayload{
		BlindedSum: blindedSum,
		Count:      count,
		Factor:     factor,
	}
	if err := reservation.Commit(id, payload); err != nil {
		// A backend-allocated id collided with an existing record. The
		// oracle-side request is orphaned; surface it loudly.
		e.log.Error("ledger commit failed after submission", "requestID", id, "err", err)
		return "", err
	}

	metrics.RequestsSubmitted.Inc()
	e.log.Info("aggregate decryption requested",
		"requestID", id, "surveyID", surveyID, "question", questionIndex, "count", count)
	return id, nil
}

// OnDecryptionComplete is the oracle callback entry point. It verifies the
// proof, wins or loses the Pending->Completed race, unblinds, and records the
// question result. Redelivery and completion-after-refund both fail with a
// state-conflict error and no side effects.
func (e *Engine) OnDecryptionComplete(ctx context.Context, id protocol.RequestID, cleartexts []byte, proof crypto.Signature) error {
	_, err := e.CompleteAggregateDecryption(ctx, id, cleartexts, proof)
	return err
}

// CompleteAggregateDecryption finishes a decryption cycle and returns the
// revealed average. The proof must authenticate the cleartexts for this
// request id; a verification failure rejects the callback with no state
// transition and raises the rejected-callback counter, since it indicates a
// malformed or malicious oracle response.
func (e *Engine) CompleteAggregateDecryption(ctx context.Context, id protocol.RequestID, cleartexts []byte, proof crypto.Signature) (uint64, error) {
	if !e.backend.VerifyProof(id, cleartexts, proof) {
		metrics.CallbacksRejected.Inc()
		e.log.Error("rejected decryption callback: proof verification failed", "requestID", id)
		return 0, protocol.ErrProofInvalid
	}

	values, err := protocol.DecodeCleartexts(cleartexts)
	if err != nil {
		metrics.CallbacksRejected.Inc()
		return 0, fmt.Errorf("decoding cleartexts: %w", err)
	}
	if len(values) != 1 {
		metrics.CallbacksRejected.Inc()
		return 0, fmt.Errorf("expected 1 cleartext, got %d", len(values))
	}

	// Whoever flips Pending->Completed first owns the result write; a
	// concurrent refund or redelivery loses here and stops.
	payload, err := e.ledger.Complete(id)
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidTransition) {
			return 0, fmt.Errorf("%w: %s", protocol.ErrAlreadyProcessed, id)
		}
		return 0, err
	}

	actualSum, err := crypto.RemoveBlinding(values[0], payload.Factor)
	if err != nil {
		return 0, err
	}

	// The one place plaintext division happens, and only on the decrypted
	// aggregate. Truncating integer division.
	var average uint64
	if payload.Count > 0 {
		average = actualSum.Uint64() / uint64(payload.Count)
	} else {
		// Should be unreachable given the non-empty aggregate precondition.
		// Defined as zero rather than an error; counted as suspicious.
		metrics.ZeroCountCompletions.Inc()
		e.log.Warn("decryption completed with zero response count", "requestID", id)
	}

	view, err := e.ledger.Status(id)
	if err != nil {
		return 0, err
	}

	result := protocol.QuestionResult{
		Average:   average,
		Count:     payload.Count,
		Revealed:  true,
		DecidedAt: time.Now(),
	}
	if err := e.store.RecordResult(view.SurveyID, view.QuestionIndex, result); err != nil {
		return 0, fmt.Errorf("recording question result: %w", err)
	}

	e.log.Info("aggregate revealed",
		"requestID", id, "surveyID", view.SurveyID, "question", view.QuestionIndex,
		"average", average, "count", payload.Count)
	return average, nil
}

// RequestStatus returns the public status view for a request.
func (e *Engine) RequestStatus(id protocol.RequestID) (protocol.StatusView, error) {
	return e.ledger.Status(id)
}

// CanTriggerRefund reports whether a timeout refund would currently succeed.
func (e *Engine) CanTriggerRefund(id protocol.RequestID) (bool, error) {
	return e.ledger.CanTriggerRefund(id)
}

// TriggerTimeoutRefund forces a timed-out request into the Refunded state.
// Callable by anyone.
func (e *Engine) TriggerTimeoutRefund(id protocol.RequestID) (elapsed int64, err error) {
	d, err := e.ledger.RefundTimeout(id)
	if err != nil {
		return 0, err
	}
	metrics.RefundsTriggered.Inc()
	return int64(d.Seconds()), nil
}

// RequestManualRefund refunds a pending request on behalf of the survey's
// creator or the system owner.
func (e *Engine) RequestManualRefund(id protocol.RequestID, caller crypto.PublicKey) error {
	if err := e.ledger.RefundManual(id, caller); err != nil {
		return err
	}
	metrics.RefundsTriggered.Inc()
	return nil
}
