package wire

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeVector packs a float64 embedding vector into the base64 string
// stored in an EMBEDDING record's vector_base64 payload field (spec §6.1's
// Open Question #2, resolved for size over JSON-array readability). Each
// component is a big-endian IEEE 754 double, concatenated in order.
func EncodeVector(v []float64) string {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.BigEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeVector reverses EncodeVector, rejecting a payload whose length
// isn't a multiple of 8 bytes.
func DecodeVector(s string) ([]float64, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("wire: decode vector: %w", err)
	}
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("wire: decode vector: length %d not a multiple of 8", len(buf))
	}
	out := make([]float64, len(buf)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.BigEndian.Uint64(buf[i*8:]))
	}
	return out, nil
}
