package services

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloakpoll/cloakpoll/crypto"
	"github.com/cloakpoll/cloakpoll/protocol"
)

// ServiceConfig contains configuration for the HTTP service.
type ServiceConfig struct {
	Config *protocol.Config

	// JWTSecret signs and verifies creator bearer tokens.
	JWTSecret []byte

	// TokenTTL bounds issued token lifetimes.
	TokenTTL time.Duration
}

// CreateSurveyRequest creates a new survey owned by the authenticated caller.
type CreateSurveyRequest struct {
	Questions []protocol.Question `json:"questions"`
	StartsAt  time.Time           `json:"starts_at"`
	EndsAt    time.Time           `json:"ends_at"`
}

// SurveyResponse is the public view of a survey. PendingRequestID mirrors the
// ledger's in-flight slot at response time.
type SurveyResponse struct {
	Survey           *protocol.Survey   `json:"survey"`
	PendingRequestID protocol.RequestID `json:"pending_request_id,omitempty"`
}

// ResponseSubmission carries one hex-encoded ciphertext per question,
// encrypted client-side so the service never sees a plaintext rating. It
// travels inside a protocol.Signed envelope; the signer is the respondent
// identity used for duplicate detection.
type ResponseSubmission struct {
	Values []string `json:"values"`
}

// DecodeValues parses the hex ciphertexts.
func (r *ResponseSubmission) DecodeValues() ([]crypto.CipherHandle, error) {
	values := make([]crypto.CipherHandle, 0, len(r.Values))
	for i, v := range r.Values {
		raw, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("value %d is not valid hex: %w", i, err)
		}
		values = append(values, crypto.CipherHandle(raw))
	}
	return values, nil
}

// DecryptRequestResponse returns the id of a freshly submitted decryption
// request.
type DecryptRequestResponse struct {
	RequestID protocol.RequestID `json:"request_id"`
}

// RefundResponse reports a successful refund.
type RefundResponse struct {
	RequestID      protocol.RequestID `json:"request_id"`
	ElapsedSeconds int64              `json:"elapsed_seconds,omitempty"`
}

// RefundableResponse answers canTriggerRefund.
type RefundableResponse struct {
	RequestID  protocol.RequestID `json:"request_id"`
	Refundable bool               `json:"refundable"`
}

// ManualRefundRequest carries the stated reason for an early refund.
type ManualRefundRequest struct {
	Reason string `json:"reason"`
}

// CallbackRequest is the oracle's callback delivery: cleartexts for a request
// plus the proof signature authenticating them.
type CallbackRequest struct {
	RequestID  protocol.RequestID `json:"request_id"`
	Cleartexts []byte             `json:"cleartexts"`
	Proof      []byte             `json:"proof"`
}

// ResultResponse is a revealed question aggregate.
type ResultResponse struct {
	SurveyID      protocol.SurveyID       `json:"survey_id"`
	QuestionIndex uint32                  `json:"question_index"`
	Result        protocol.QuestionResult `json:"result"`
}

// TokenRequest asks for a bearer token for a public key. Proof of key
// possession is a signature over the key itself.
type TokenRequest struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// TokenResponse returns an issued bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// DecryptSubmission is the oracle-side HTTP submission: hex ciphertexts to
// decrypt asynchronously.
type DecryptSubmission struct {
	Values []string `json:"values"`
}

// DecryptSubmissionResponse returns the oracle-allocated request id.
type DecryptSubmissionResponse struct {
	RequestID protocol.RequestID `json:"request_id"`
}

// OracleKeyResponse publishes the oracle's key material: the threshold
// Paillier public key for encrypting ratings, and the Ed25519 key that
// verifies decryption proofs.
type OracleKeyResponse struct {
	PaillierKey json.RawMessage `json:"paillier_key"`
	SigningKey  string          `json:"signing_key"`
}
