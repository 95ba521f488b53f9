// Package testutil provides test fixtures for CloakPoll components: a
// plaintext stand-in for the homomorphic scheme, a controllable decryption
// backend, and config/key generators. The plaintext scheme keeps core tests
// fast and deterministic; the Paillier-backed scheme is exercised by its own
// tests and the end-to-end flow.
package testutil

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cloakpoll/cloakpoll/crypto"
	"github.com/cloakpoll/cloakpoll/protocol"
)

// TestConfigOption modifies a protocol.Config.
type TestConfigOption func(*protocol.Config)

// WithTimeout sets the decryption timeout.
func WithTimeout(d time.Duration) TestConfigOption {
	return func(c *protocol.Config) { c.DecryptionTimeout = d }
}

// WithMaxResponses sets the per-survey response bound.
func WithMaxResponses(n int) TestConfigOption {
	return func(c *protocol.Config) { c.MaxResponses = n }
}

// NewTestConfig creates a default config with optional overrides.
func NewTestConfig(options ...TestConfigOption) *protocol.Config {
	cfg := protocol.DefaultConfig()
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// GenerateTestKeyPair generates an Ed25519 key pair for tests.
func GenerateTestKeyPair() (crypto.PublicKey, crypto.PrivateKey, error) {
	return crypto.GenerateKeyPair()
}

// PlainScheme implements protocol.Scheme with no encryption at all: a handle
// is the big-endian plaintext. Sums and products are therefore directly
// inspectable by tests.
type PlainScheme struct{}

// NewPlainScheme creates a plaintext mock scheme.
func NewPlainScheme() *PlainScheme {
	return &PlainScheme{}
}

// Encrypt wraps a plaintext in a handle.
func (s *PlainScheme) Encrypt(plaintext uint64) (crypto.CipherHandle, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, plaintext)
	return crypto.CipherHandle(buf), nil
}

// Add adds the underlying plaintexts.
func (s *PlainScheme) Add(a, b crypto.CipherHandle) (crypto.CipherHandle, error) {
	return s.Encrypt(a.BigInt().Uint64() + b.BigInt().Uint64())
}

// MulPlaintext multiplies the underlying plaintext by a constant.
func (s *PlainScheme) MulPlaintext(c crypto.CipherHandle, k uint64) (crypto.CipherHandle, error) {
	return s.Encrypt(c.BigInt().Uint64() * k)
}

// Decode returns the plaintext under a handle.
func (s *PlainScheme) Decode(c crypto.CipherHandle) uint64 {
	return c.BigInt().Uint64()
}

// MockBackend implements protocol.DecryptionBackend with full test control:
// ids are sequential, submitted values are retained for inspection, and
// delivery happens only when the test asks for it.
type MockBackend struct {
	signingKey crypto.PrivateKey
	publicKey  crypto.PublicKey

	mu       sync.Mutex
	nextID   int
	pending  map[protocol.RequestID][]crypto.CipherHandle
	failNext error
}

// NewMockBackend creates a mock backend with a fresh proof-signing key.
func NewMockBackend() (*MockBackend, error) {
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &MockBackend{
		signingKey: priv,
		publicKey:  pub,
		pending:    make(map[protocol.RequestID][]crypto.CipherHandle),
	}, nil
}

// FailNext makes the next RequestDecryption call fail with err.
func (m *MockBackend) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// RequestDecryption allocates a sequential request id.
func (m *MockBackend) RequestDecryption(ctx context.Context, values []crypto.CipherHandle) (protocol.RequestID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return "", err
	}

	m.nextID++
	id := protocol.RequestID(fmt.Sprintf("req-%d", m.nextID))
	m.pending[id] = values
	return id, nil
}

// VerifyProof checks the proof against the mock backend's signing key.
func (m *MockBackend) VerifyProof(id protocol.RequestID, cleartexts []byte, proof crypto.Signature) bool {
	return proof.Verify(m.publicKey, protocol.ProofMessage(id, cleartexts))
}

// Submitted returns the values submitted under a request id.
func (m *MockBackend) Submitted(id protocol.RequestID) ([]crypto.CipherHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	values, ok := m.pending[id]
	return values, ok
}

// SignedCleartexts produces a valid callback leg for a request: cleartexts
// decoded from the submitted plaintext handles plus a verifying proof.
func (m *MockBackend) SignedCleartexts(id protocol.RequestID) ([]byte, crypto.Signature, error) {
	m.mu.Lock()
	values, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil, protocol.ErrRequestNotFound
	}

	plaintexts := make([]*big.Int, 0, len(values))
	for _, v := range values {
		plaintexts = append(plaintexts, v.BigInt())
	}
	encoded := protocol.EncodeCleartexts(plaintexts)

	proof, err := crypto.Sign(m.signingKey, protocol.ProofMessage(id, encoded))
	if err != nil {
		return nil, nil, err
	}
	return encoded, proof, nil
}

// ForgedCleartexts produces a callback leg whose proof is signed by a key the
// backend does not recognize.
func (m *MockBackend) ForgedCleartexts(id protocol.RequestID, cleartexts []byte) (crypto.Signature, error) {
	_, rogueKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return crypto.Sign(rogueKey, protocol.ProofMessage(id, cleartexts))
}

// FakeClock is a manually advanced clock for timeout tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
