package protocol

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/cloakpoll/cloakpoll/crypto"
)

// DecryptionPayload is the triple bound to every decryption request, encoded
// strictly as (blindedSum, count, blindingFactor) in that order: unblinding
// depends on this exact ordering.
type DecryptionPayload struct {
	BlindedSum crypto.CipherHandle `json:"blinded_sum"`
	Count      uint32              `json:"count"`
	Factor     uint64              `json:"factor"`
}

// Encode serializes the payload triple: length-prefixed blinded sum, then
// count, then factor, all big-endian.
func (p *DecryptionPayload) Encode() []byte {
	buf := make([]byte, 0, 4+len(p.BlindedSum)+4+8)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.BlindedSum)))
	buf = append(buf, p.BlindedSum...)
	buf = binary.BigEndian.AppendUint32(buf, p.Count)
	buf = binary.BigEndian.AppendUint64(buf, p.Factor)
	return buf
}

// DecodePayload deserializes a payload triple produced by Encode.
func DecodePayload(data []byte) (*DecryptionPayload, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("payload too short: %d bytes", len(data))
	}
	sumLen := binary.BigEndian.Uint32(data[:4])
	rest := data[4:]
	// Compare in uint64: a length prefix near the uint32 maximum must not
	// wrap the required size below the actual size.
	if uint64(len(rest)) < uint64(sumLen)+12 {
		return nil, fmt.Errorf("payload truncated: want %d bytes after prefix, have %d", uint64(sumLen)+12, len(rest))
	}
	sum := make([]byte, sumLen)
	copy(sum, rest[:sumLen])
	rest = rest[sumLen:]
	return &DecryptionPayload{
		BlindedSum: crypto.CipherHandle(sum),
		Count:      binary.BigEndian.Uint32(rest[:4]),
		Factor:     binary.BigEndian.Uint64(rest[4:12]),
	}, nil
}

// EncodeCleartexts serializes decrypted values for callback delivery, each as
// a length-prefixed big-endian integer, in request order.
func EncodeCleartexts(values []*big.Int) []byte {
	var buf []byte
	for _, v := range values {
		b := v.Bytes()
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
		buf = append(buf, b...)
	}
	return buf
}

// DecodeCleartexts deserializes callback cleartexts.
func DecodeCleartexts(data []byte) ([]*big.Int, error) {
	var values []*big.Int
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("cleartexts truncated")
		}
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < n {
			return nil, fmt.Errorf("cleartexts truncated: want %d bytes, have %d", n, len(data))
		}
		values = append(values, new(big.Int).SetBytes(data[:n]))
		data = data[n:]
	}
	return values, nil
}

// ProofMessage is the byte string a decryption proof signs: a domain
// separator, the request id, and the cleartexts. Both the oracle and the
// verifier derive it identically.
func ProofMessage(id RequestID, cleartexts []byte) []byte {
	msg := make([]byte, 0, len("cloakpoll-decryption-proof-v1")+len(id)+len(cleartexts))
	msg = append(msg, []byte("cloakpoll-decryption-proof-v1")...)
	msg = append(msg, []byte(id)...)
	msg = append(msg, cleartexts...)
	return msg
}
