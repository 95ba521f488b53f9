package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/sha3"
)

// MaxBlindingFactor bounds the blinding factor range [1, MaxBlindingFactor].
// Small enough that the multiplied sum stays far from any ciphertext plaintext
// bound, large enough to hide the exact magnitude of the aggregate.
const MaxBlindingFactor = 100

// DeriveBlindingFactor produces a one-time blinding factor for a decryption
// request. A fresh 32-byte read from entropy is mixed with the survey and
// question identifiers through SHA3-256, so factors for concurrent requests
// never collide deterministically and an observer cannot predict the factor
// before the request is issued.
//
// Passing nil for entropy uses crypto/rand. The result is always in
// [1, MaxBlindingFactor]; the +1 after reduction makes a zero factor
// unrepresentable.
func DeriveBlindingFactor(surveyID []byte, questionIndex uint32, entropy io.Reader) (uint64, error) {
	if entropy == nil {
		entropy = rand.Reader
	}

	seed := make([]byte, 32)
	if _, err := io.ReadFull(entropy, seed); err != nil {
		return 0, fmt.Errorf("reading blinding entropy: %w", err)
	}

	h := sha3.New256()
	h.Write([]byte("cloakpoll-blinding-v1"))
	h.Write(seed)
	h.Write(surveyID)

	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], questionIndex)
	h.Write(idxBuf[:])

	digest := h.Sum(nil)
	factor := binary.BigEndian.Uint64(digest[:8])%MaxBlindingFactor + 1
	return factor, nil
}

// RemoveBlinding recovers the actual sum from a decrypted blinded sum.
// The factor is guaranteed positive by DeriveBlindingFactor, so the division
// is always defined. Division truncates toward zero, matching the aggregation
// engine's final-average truncation; since the homomorphic multiply is exact,
// the round-trip recovers the sum exactly.
func RemoveBlinding(blindedSum *big.Int, factor uint64) (*big.Int, error) {
	if factor == 0 {
		return nil, fmt.Errorf("blinding factor is zero: invariant violation")
	}
	return new(big.Int).Quo(blindedSum, new(big.Int).SetUint64(factor)), nil
}
