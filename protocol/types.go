package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/cloakpoll/cloakpoll/crypto"
)

// SurveyID identifies a survey.
type SurveyID = uuid.UUID

// RequestID is the opaque identifier of a decryption request, allocated by
// the decryption backend when the request is submitted.
type RequestID string

// RequestState is the completion status of a decryption request.
// Completed and Refunded are both terminal and mutually exclusive: once
// either is set no further transition is legal.
type RequestState uint8

const (
	StatePending RequestState = iota
	StateCompleted
	StateRefunded
)

// String returns a human-readable state name.
func (s RequestState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateRefunded:
		return "refunded"
	}
	return "unknown"
}

// Terminal reports whether the state admits no further transitions.
func (s RequestState) Terminal() bool {
	return s == StateCompleted || s == StateRefunded
}

// DecryptionRequest is a ledger record tracking one outstanding decryption.
type DecryptionRequest struct {
	ID            RequestID         `json:"id"`
	SurveyID      SurveyID          `json:"survey_id"`
	QuestionIndex uint32            `json:"question_index"`
	SubmittedAt   time.Time         `json:"submitted_at"`
	State         RequestState      `json:"state"`
	Payload       DecryptionPayload `json:"payload"`
}

// StatusView is the public query view of a decryption request. IsTimedOut is
// derived from the clock at query time, never stored, so there is no second
// source of truth for refund eligibility.
type StatusView struct {
	RequestID     RequestID    `json:"request_id"`
	SurveyID      SurveyID     `json:"survey_id"`
	QuestionIndex uint32       `json:"question_index"`
	SubmittedAt   time.Time    `json:"submitted_at"`
	State         RequestState `json:"state"`
	IsTimedOut    bool         `json:"is_timed_out"`
}

// QuestionResult is the revealed aggregate for one survey question, written
// exactly once per decryption cycle on successful callback completion.
type QuestionResult struct {
	Average   uint64    `json:"average"`
	Count     uint32    `json:"count"`
	Revealed  bool      `json:"revealed"`
	DecidedAt time.Time `json:"decided_at"`
}

// Question is a survey question. Only the prompt is public; respondent
// answers exist solely as ciphertexts.
type Question struct {
	Prompt string `json:"prompt"`
}

// Survey is the registry-owned survey record. Encrypted respondent values are
// held in the registry's value arena, not embedded here.
type Survey struct {
	ID               SurveyID         `json:"id"`
	Creator          crypto.PublicKey `json:"creator"`
	Questions        []Question       `json:"questions"`
	StartsAt         time.Time        `json:"starts_at"`
	EndsAt           time.Time        `json:"ends_at"`
	Active           bool             `json:"active"`
	ResultsPublished bool             `json:"results_published"`
	ResponseCount    uint32           `json:"response_count"`

	// CurrentRequestID is the survey's single in-flight decryption request
	// slot; empty when no request is outstanding.
	CurrentRequestID RequestID `json:"current_request_id,omitempty"`
}

// DecryptionResult is the oracle's callback body: the cleartexts for a
// request, authenticated by a detached proof signature.
type DecryptionResult struct {
	RequestID  RequestID `json:"request_id"`
	Cleartexts []byte    `json:"cleartexts"`
}
