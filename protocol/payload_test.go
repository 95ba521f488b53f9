package protocol

import (
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloakpoll/cloakpoll/crypto"
)

func TestPayloadEncodeOrdering(t *testing.T) {
	p := &DecryptionPayload{
		BlindedSum: crypto.CipherHandle{0xAA, 0xBB},
		Count:      3,
		Factor:     42,
	}
	buf := p.Encode()

	// Strict (blindedSum, count, factor) order: unblinding depends on it.
	require.Equal(t, uint32(2), binary.BigEndian.Uint32(buf[:4]))
	require.Equal(t, []byte{0xAA, 0xBB}, buf[4:6])
	require.Equal(t, uint32(3), binary.BigEndian.Uint32(buf[6:10]))
	require.Equal(t, uint64(42), binary.BigEndian.Uint64(buf[10:18]))

	decoded, err := DecodePayload(buf)
	require.NoError(t, err)
	require.Equal(t, p.BlindedSum, decoded.BlindedSum)
	require.Equal(t, p.Count, decoded.Count)
	require.Equal(t, p.Factor, decoded.Factor)
}

func TestDecodePayloadTruncated(t *testing.T) {
	p := &DecryptionPayload{BlindedSum: crypto.CipherHandle{1, 2, 3}, Count: 1, Factor: 7}
	buf := p.Encode()

	for cut := 1; cut < len(buf); cut++ {
		_, err := DecodePayload(buf[:cut])
		require.Error(t, err, "cut at %d", cut)
	}

	// A length prefix near the uint32 maximum must fail the size check
	// rather than wrap it and slice out of bounds.
	huge := binary.BigEndian.AppendUint32(nil, 0xFFFFFFFF)
	huge = append(huge, make([]byte, 12)...)
	_, err := DecodePayload(huge)
	require.Error(t, err)
}

func TestCleartextsRoundTrip(t *testing.T) {
	values := []*big.Int{big.NewInt(1200), big.NewInt(3)}
	buf := EncodeCleartexts(values)

	decoded, err := DecodeCleartexts(buf)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.Equal(t, int64(1200), decoded[0].Int64())
	require.Equal(t, int64(3), decoded[1].Int64())

	_, err = DecodeCleartexts(buf[:len(buf)-1])
	require.Error(t, err)
}

func TestSignedRecover(t *testing.T) {
	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	result := &DecryptionResult{RequestID: "req-1", Cleartexts: []byte{1, 2, 3}}
	signed, err := NewSigned(priv, result)
	require.NoError(t, err)

	recovered, signer, err := signed.Recover()
	require.NoError(t, err)
	require.Equal(t, result.RequestID, recovered.RequestID)
	require.Equal(t, signed.PublicKey.String(), signer.String())

	// Tampering must break recovery.
	signed.Object.Cleartexts[0] ^= 0xFF
	_, _, err = signed.Recover()
	require.Error(t, err)
}
