package protocol

import "time"

// Config provides configuration parameters for CloakPoll components.
type Config struct {
	// DecryptionTimeout is how long a decryption request may stay pending
	// before anyone can force a refund. A single global value keeps the
	// liveness argument simple: every request is refundable after the same
	// delay regardless of who created it.
	DecryptionTimeout time.Duration

	// MinRating and MaxRating bound the per-response rating scale.
	MinRating uint64
	MaxRating uint64

	// MaxQuestions bounds the question count per survey.
	MaxQuestions int

	// MaxResponses bounds the respondent count per survey, keeping the
	// per-question value arena explicitly bounded.
	MaxResponses int

	// PaillierBits is the modulus size for generated threshold keys.
	PaillierBits int
}

// DefaultConfig returns the standard protocol parameters.
func DefaultConfig() *Config {
	return &Config{
		DecryptionTimeout: time.Hour,
		MinRating:         1,
		MaxRating:         5,
		MaxQuestions:      32,
		MaxResponses:      10_000,
		PaillierBits:      512,
	}
}
