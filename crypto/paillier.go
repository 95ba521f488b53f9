package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/niclabs/tcpaillier"
)

// CipherHandle is an opaque serialized ciphertext. The aggregation engine only
// ever combines handles through Scheme operations; plaintext recovery requires
// the oracle's threshold key shares.
type CipherHandle []byte

// NewCipherHandle wraps a raw ciphertext value.
func NewCipherHandle(c *big.Int) CipherHandle {
	return c.Bytes()
}

// BigInt returns the ciphertext as a big integer for scheme operations.
func (h CipherHandle) BigInt() *big.Int {
	return new(big.Int).SetBytes(h)
}

// PaillierScheme implements homomorphic aggregation over threshold Paillier
// ciphertexts. It holds only the public key: encrypting and combining requires
// no secret material, decryption happens exclusively at the oracle.
type PaillierScheme struct {
	pk *tcpaillier.PubKey
}

// NewPaillierScheme creates a scheme from a threshold Paillier public key.
func NewPaillierScheme(pk *tcpaillier.PubKey) (*PaillierScheme, error) {
	if pk == nil {
		return nil, fmt.Errorf("paillier public key cannot be nil")
	}
	return &PaillierScheme{pk: pk}, nil
}

// PublicKey returns the underlying threshold Paillier public key.
func (s *PaillierScheme) PublicKey() *tcpaillier.PubKey {
	return s.pk
}

// Encrypt encrypts a plaintext rating value.
func (s *PaillierScheme) Encrypt(plaintext uint64) (CipherHandle, error) {
	c, _, err := s.pk.Encrypt(new(big.Int).SetUint64(plaintext))
	if err != nil {
		return nil, fmt.Errorf("paillier encrypt: %w", err)
	}
	return NewCipherHandle(c), nil
}

// Add homomorphically adds two ciphertexts.
func (s *PaillierScheme) Add(a, b CipherHandle) (CipherHandle, error) {
	sum, err := s.pk.Add(a.BigInt(), b.BigInt())
	if err != nil {
		return nil, fmt.Errorf("paillier add: %w", err)
	}
	return NewCipherHandle(sum), nil
}

// MulPlaintext homomorphically multiplies a ciphertext by a plaintext
// constant. This is the blinding step: the product decrypts to k times the
// underlying sum.
func (s *PaillierScheme) MulPlaintext(c CipherHandle, k uint64) (CipherHandle, error) {
	mul, _, err := s.pk.Multiply(c.BigInt(), new(big.Int).SetUint64(k))
	if err != nil {
		return nil, fmt.Errorf("paillier multiply: %w", err)
	}
	return NewCipherHandle(mul), nil
}

// paillierKeyWire is the serialized form of a threshold Paillier public key.
// The random source is not part of the wire format; the unmarshaled key is
// rebound to crypto/rand.
type paillierKeyWire struct {
	N        *big.Int `json:"n"`
	V        *big.Int `json:"v"`
	L        uint8    `json:"l"`
	K        uint8    `json:"k"`
	S        uint8    `json:"s"`
	Delta    *big.Int `json:"delta"`
	Constant *big.Int `json:"constant"`
}

// MarshalPaillierPublicKey serializes a threshold Paillier public key for
// distribution to survey services.
func MarshalPaillierPublicKey(pk *tcpaillier.PubKey) ([]byte, error) {
	if pk == nil {
		return nil, fmt.Errorf("paillier public key cannot be nil")
	}
	return json.Marshal(&paillierKeyWire{
		N:        pk.N,
		V:        pk.V,
		L:        pk.L,
		K:        pk.K,
		S:        pk.S,
		Delta:    pk.Delta,
		Constant: pk.Constant,
	})
}

// UnmarshalPaillierPublicKey deserializes a threshold Paillier public key.
func UnmarshalPaillierPublicKey(data []byte) (*tcpaillier.PubKey, error) {
	var wire paillierKeyWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decoding paillier key: %w", err)
	}
	if wire.N == nil || wire.V == nil {
		return nil, fmt.Errorf("paillier key is missing modulus material")
	}
	return &tcpaillier.PubKey{
		N:          wire.N,
		V:          wire.V,
		L:          wire.L,
		K:          wire.K,
		S:          wire.S,
		Delta:      wire.Delta,
		Constant:   wire.Constant,
	}, nil
}

// GeneratePaillierKey generates a fresh threshold Paillier key split into l
// shares with threshold k, returning the key shares for the oracle side and
// the public scheme for the aggregation side.
func GeneratePaillierKey(bitSize int, l, k uint8) ([]*tcpaillier.KeyShare, *PaillierScheme, error) {
	shares, pk, err := tcpaillier.NewKey(bitSize, 1, l, k)
	if err != nil {
		return nil, nil, fmt.Errorf("generating paillier key: %w", err)
	}
	scheme, err := NewPaillierScheme(pk)
	if err != nil {
		return nil, nil, err
	}
	return shares, scheme, nil
}
