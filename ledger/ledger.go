package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloakpoll/cloakpoll/crypto"
	"github.com/cloakpoll/cloakpoll/protocol"
)

// Ledger is the authoritative state machine for every decryption request and
// the single source of truth preventing double completion or double refund.
//
// All transitions run under one mutex: whichever of Complete and Refund
// observes Pending first flips the state, the other fails with
// ErrInvalidTransition and must not apply its side effects.
type Ledger struct {
	cfg  *protocol.Config
	auth protocol.SurveyStore
	now  func() time.Time
	log  *slog.Logger

	mu       sync.Mutex
	requests map[protocol.RequestID]*protocol.DecryptionRequest

	// pending maps a survey to its single in-flight request. A reservation
	// holds the slot with an empty id until the backend submission commits.
	pending map[protocol.SurveyID]protocol.RequestID
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// New creates a ledger. The survey store is consulted only for manual-refund
// authorization.
func New(cfg *protocol.Config, auth protocol.SurveyStore, opts ...Option) (*Ledger, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if auth == nil {
		return nil, errors.New("survey store cannot be nil")
	}

	l := &Ledger{
		cfg:      cfg,
		auth:     auth,
		now:      time.Now,
		log:      slog.Default(),
		requests: make(map[protocol.RequestID]*protocol.DecryptionRequest),
		pending:  make(map[protocol.SurveyID]protocol.RequestID),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Reservation holds a survey's request slot between the at-most-one-pending
// check and the backend submission. Commit inserts the Pending record; Abort
// releases the slot. Exactly one of the two must be called.
type Reservation struct {
	l        *Ledger
	surveyID protocol.SurveyID
	question uint32
	done     bool
}

// Reserve atomically claims the survey's single in-flight request slot.
// It fails with ErrRequestAlreadyPending if another request for the survey is
// pending or reserved. The backend submission must not happen before the slot
// is held, otherwise a submission whose ledger insert fails would leave an
// orphaned oracle-side request with no timeout path.
func (l *Ledger) Reserve(surveyID protocol.SurveyID, questionIndex uint32) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.pending[surveyID]; exists {
		return nil, protocol.ErrRequestAlreadyPending
	}
	l.pending[surveyID] = ""

	return &Reservation{l: l, surveyID: surveyID, question: questionIndex}, nil
}

// Commit inserts the Pending record under the reserved slot. An id collision
// with an existing record is an invariant violation: ids are allocated by the
// backend and must be unique by construction.
func (r *Reservation) Commit(id protocol.RequestID, payload protocol.DecryptionPayload) error {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()

	if r.done {
		return errors.New("reservation already resolved")
	}
	if _, exists := r.l.requests[id]; exists {
		delete(r.l.pending, r.surveyID)
		r.done = true
		return fmt.Errorf("%w: %s", protocol.ErrDuplicateRequestID, id)
	}

	r.l.requests[id] = &protocol.DecryptionRequest{
		ID:            id,
		SurveyID:      r.surveyID,
		QuestionIndex: r.question,
		SubmittedAt:   r.l.now(),
		State:         protocol.StatePending,
		Payload:       payload,
	}
	r.l.pending[r.surveyID] = id
	r.done = true
	return nil
}

// Abort releases the slot after a failed backend submission.
func (r *Reservation) Abort() {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()

	if r.done {
		return
	}
	delete(r.l.pending, r.surveyID)
	r.done = true
}

// Complete transitions a request Pending -> Completed and returns a copy of
// its payload for unblinding. Exactly one caller ever receives the payload:
// any later Complete or Refund on the same id fails with ErrInvalidTransition.
// The blinding factor is scrubbed from the record once returned; it never
// outlives the request.
func (l *Ledger) Complete(id protocol.RequestID) (protocol.DecryptionPayload, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.requests[id]
	if !ok {
		return protocol.DecryptionPayload{}, protocol.ErrRequestNotFound
	}
	if req.State != protocol.StatePending {
		return protocol.DecryptionPayload{}, fmt.Errorf("%w: state is %s", protocol.ErrInvalidTransition, req.State)
	}

	payload := req.Payload
	req.State = protocol.StateCompleted
	l.scrubLocked(req)
	return payload, nil
}

// RefundTimeout transitions a request Pending -> Refunded once the global
// timeout has elapsed, returning the elapsed duration. Intentionally ungated:
// any principal may trigger it, guaranteeing liveness even if the survey
// creator disappears.
func (l *Ledger) RefundTimeout(id protocol.RequestID) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.requests[id]
	if !ok {
		return 0, protocol.ErrRequestNotFound
	}
	if req.State != protocol.StatePending {
		return 0, fmt.Errorf("%w: state is %s", protocol.ErrInvalidTransition, req.State)
	}

	elapsed := l.now().Sub(req.SubmittedAt)
	if elapsed < l.cfg.DecryptionTimeout {
		return 0, fmt.Errorf("%w: %s of %s elapsed", protocol.ErrTimeoutNotReached, elapsed, l.cfg.DecryptionTimeout)
	}

	req.State = protocol.StateRefunded
	l.scrubLocked(req)
	l.log.Info("decryption request refunded on timeout",
		"requestID", id, "surveyID", req.SurveyID, "elapsed", elapsed)
	return elapsed, nil
}

// RefundManual transitions a request Pending -> Refunded on behalf of an
// authorized caller. Authorization is delegated to the survey registry: only
// the survey's creator or the system owner may refund before the timeout.
func (l *Ledger) RefundManual(id protocol.RequestID, caller crypto.PublicKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.requests[id]
	if !ok {
		return protocol.ErrRequestNotFound
	}
	if req.State != protocol.StatePending {
		return fmt.Errorf("%w: state is %s", protocol.ErrInvalidTransition, req.State)
	}

	authorized, err := l.auth.IsAuthorizedRefunder(req.SurveyID, caller)
	if err != nil {
		return fmt.Errorf("checking refund authorization: %w", err)
	}
	if !authorized {
		return protocol.ErrUnauthorized
	}

	req.State = protocol.StateRefunded
	l.scrubLocked(req)
	l.log.Info("decryption request refunded manually",
		"requestID", id, "surveyID", req.SurveyID, "caller", caller.String())
	return nil
}

// Status returns the public view of a request. IsTimedOut is derived from the
// clock at call time and never stored.
func (l *Ledger) Status(id protocol.RequestID) (protocol.StatusView, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.requests[id]
	if !ok {
		return protocol.StatusView{}, protocol.ErrRequestNotFound
	}

	return protocol.StatusView{
		RequestID:     req.ID,
		SurveyID:      req.SurveyID,
		QuestionIndex: req.QuestionIndex,
		SubmittedAt:   req.SubmittedAt,
		State:         req.State,
		IsTimedOut:    req.State == protocol.StatePending && l.now().Sub(req.SubmittedAt) >= l.cfg.DecryptionTimeout,
	}, nil
}

// CanTriggerRefund reports whether a timeout refund would currently succeed.
func (l *Ledger) CanTriggerRefund(id protocol.RequestID) (bool, error) {
	view, err := l.Status(id)
	if err != nil {
		return false, err
	}
	return view.IsTimedOut, nil
}

// PendingForSurvey returns the survey's in-flight request id, if any.
func (l *Ledger) PendingForSurvey(surveyID protocol.SurveyID) (protocol.RequestID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.pending[surveyID]
	return id, ok
}

// scrubLocked releases the survey slot and discards the blinding material of
// a request that just reached a terminal state. Callers hold l.mu.
func (l *Ledger) scrubLocked(req *protocol.DecryptionRequest) {
	delete(l.pending, req.SurveyID)
	req.Payload.Factor = 0
	req.Payload.BlindedSum = nil
}
