package protocol

import (
	"context"

	"github.com/cloakpoll/cloakpoll/crypto"
)

// Scheme is the homomorphic-arithmetic capability the aggregation engine
// consumes. Implementations must never require secret key material: anything
// a Scheme can do, any observer of the system could do too.
type Scheme interface {
	// Encrypt encrypts a plaintext rating.
	Encrypt(plaintext uint64) (crypto.CipherHandle, error)

	// Add homomorphically adds two ciphertexts.
	Add(a, b crypto.CipherHandle) (crypto.CipherHandle, error)

	// MulPlaintext homomorphically multiplies a ciphertext by a plaintext
	// constant.
	MulPlaintext(c crypto.CipherHandle, k uint64) (crypto.CipherHandle, error)
}

// DecryptionBackend submits ciphertexts to the decryption oracle and verifies
// the proofs on its callbacks. Submission is asynchronous: the returned
// request id is later echoed by the oracle's callback delivery.
type DecryptionBackend interface {
	// RequestDecryption submits values for asynchronous decryption and
	// returns the allocated request id. It never blocks waiting for the
	// oracle.
	RequestDecryption(ctx context.Context, values []crypto.CipherHandle) (RequestID, error)

	// VerifyProof reports whether proof authenticates cleartexts for the
	// given request id.
	VerifyProof(id RequestID, cleartexts []byte, proof crypto.Signature) bool
}

// SurveyStore is the survey registry surface the core reads and writes
// through. The registry owns survey metadata, lifecycle flags, and encrypted
// respondent values; the core treats all of it as pre-validated, bounded
// input.
type SurveyStore interface {
	// GetQuestionValues returns all encrypted respondent values for one
	// survey question.
	GetQuestionValues(surveyID SurveyID, questionIndex uint32) ([]crypto.CipherHandle, error)

	// IsActive reports whether the survey still accepts responses.
	IsActive(surveyID SurveyID) (bool, error)

	// IsPublished reports whether the survey's results are published.
	IsPublished(surveyID SurveyID) (bool, error)

	// QuestionCount returns the number of questions in the survey.
	QuestionCount(surveyID SurveyID) (int, error)

	// RecordResult stores the revealed aggregate for a question.
	RecordResult(surveyID SurveyID, questionIndex uint32, result QuestionResult) error

	// IsAuthorizedRefunder reports whether caller may manually refund the
	// survey's pending request (the survey creator or the system owner).
	IsAuthorizedRefunder(surveyID SurveyID, caller crypto.PublicKey) (bool, error)
}

// CallbackHandler is the single registered entry point the decryption oracle
// invokes when cleartexts are ready. Implementations must be idempotent-safe:
// redelivery for an already-resolved request fails cleanly without side
// effects.
type CallbackHandler interface {
	OnDecryptionComplete(ctx context.Context, id RequestID, cleartexts []byte, proof crypto.Signature) error
}
