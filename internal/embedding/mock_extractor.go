package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// MockExtractor is a deterministic extractor for tests. The vector is derived from
// a hash of the bytes so identical payloads map to identical vectors. Empty input
// fails with ErrExtraction.
type MockExtractor struct {
	dimensions int
}

// NewMockExtractor returns a MockExtractor of the given dimensions.
func NewMockExtractor(dimensions int) *MockExtractor {
	if dimensions <= 0 {
		dimensions = 64
	}
	return &MockExtractor{dimensions: dimensions}
}

// Extract returns the hash-derived vector of data.
func (e *MockExtractor) Extract(ctx context.Context, data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrExtraction)
	}
	sum := sha256.Sum256(data)
	seed := binary.LittleEndian.Uint64(sum[:8])
	vec := make([]float32, e.dimensions)
	for i := range vec {
		vec[i] = float32(math.Sin(float64(seed%100000)*float64(i+1)*0.001) + 0.01)
	}
	NormalizeL2Slice(vec)
	return vec, nil
}

// Dimensions returns the vector length.
func (e *MockExtractor) Dimensions() int {
	return e.dimensions
}

// Close is a no-op.
func (e *MockExtractor) Close() error {
	return nil
}
