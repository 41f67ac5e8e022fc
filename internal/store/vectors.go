package store

import (
	"encoding/binary"
	"math"

	"github.com/lazypower/vigil/internal/errors"
)

// encodeVector converts a []float64 to a binary BLOB (8 bytes per float64).
// Signatures and baselines are stored this way so a reload is bit-exact.
func encodeVector(vec []float64) []byte {
	if vec == nil {
		return nil
	}
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeVector converts a binary BLOB back to []float64.
func decodeVector(buf []byte) ([]float64, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf)%8 != 0 {
		return nil, errors.Newf("vector blob of %d bytes is not a whole number of float64s", len(buf))
	}
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec, nil
}
