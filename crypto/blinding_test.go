package crypto

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveBlindingFactorRange(t *testing.T) {
	surveyID := []byte("survey-a")

	for i := 0; i < 1000; i++ {
		factor, err := DeriveBlindingFactor(surveyID, uint32(i%4), nil)
		require.NoError(t, err)
		require.GreaterOrEqual(t, factor, uint64(1), "factor must never be zero")
		require.LessOrEqual(t, factor, uint64(MaxBlindingFactor))
	}
}

func TestDeriveBlindingFactorUnpredictable(t *testing.T) {
	// Identical public inputs must not produce identical factors: the
	// entropy read dominates the derivation.
	seen := make(map[uint64]int)
	for i := 0; i < 200; i++ {
		factor, err := DeriveBlindingFactor([]byte("survey-a"), 0, nil)
		require.NoError(t, err)
		seen[factor]++
	}
	require.Greater(t, len(seen), 10, "factors collapsed onto too few values")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy exhausted")
}

func TestDeriveBlindingFactorEntropyFailure(t *testing.T) {
	_, err := DeriveBlindingFactor([]byte("survey-a"), 0, failingReader{})
	require.Error(t, err)
}

func TestRemoveBlindingRoundTrip(t *testing.T) {
	// Exact recovery for every factor in range: multiply then divide by the
	// same nonzero integer round-trips when no intermediate truncation
	// occurs.
	sums := []uint64{1, 3, 12, 13, 4, 25_000, 1 << 40}
	for factor := uint64(1); factor <= MaxBlindingFactor; factor++ {
		for _, sum := range sums {
			blinded := new(big.Int).Mul(new(big.Int).SetUint64(sum), new(big.Int).SetUint64(factor))
			recovered, err := RemoveBlinding(blinded, factor)
			require.NoError(t, err)
			require.Equal(t, sum, recovered.Uint64(), "sum %d factor %d", sum, factor)
		}
	}
}

func TestRemoveBlindingZeroFactor(t *testing.T) {
	_, err := RemoveBlinding(big.NewInt(100), 0)
	require.Error(t, err)
}
