package protocol

import "errors"

// Validation errors: caller mistakes, reported synchronously, no state mutated.
var (
	ErrSurveyNotFound    = errors.New("survey not found")
	ErrQuestionNotFound  = errors.New("question index out of range")
	ErrNoResponses       = errors.New("question has no responses")
	ErrSurveyActive      = errors.New("survey is still active")
	ErrSurveyClosed      = errors.New("survey is closed")
	ErrNotPublished      = errors.New("survey results are not published")
	ErrAlreadyPublished  = errors.New("survey results already published")
	ErrRatingOutOfRange  = errors.New("rating outside allowed scale")
	ErrDuplicateResponse = errors.New("respondent already submitted")
	ErrOutsideWindow     = errors.New("outside survey response window")
	ErrEmptyAggregate    = errors.New("aggregate over empty value set")
)

// State-conflict errors: a race or caller misuse; never silently ignored, and
// the losing side applies no side effects.
var (
	ErrRequestAlreadyPending = errors.New("decryption request already pending for survey")
	ErrInvalidTransition     = errors.New("request is not pending")
	ErrAlreadyProcessed      = errors.New("request already processed")
	ErrRequestNotFound       = errors.New("decryption request not found")
	ErrDuplicateRequestID    = errors.New("request id collision")
)

// Authorization and liveness errors.
var (
	ErrUnauthorized      = errors.New("caller is not authorized")
	ErrTimeoutNotReached = errors.New("refund timeout not reached")
)

// ErrProofInvalid signals a callback whose proof does not authenticate the
// cleartexts. The callback is refused outright: no state transition occurs,
// and the rejection is counted so a malformed or malicious oracle is visible.
var ErrProofInvalid = errors.New("decryption proof verification failed")
