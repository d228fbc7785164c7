// Package embedding turns image bytes into fixed-length feature vectors.
package embedding

import (
	"context"
	"errors"
	"math"
)

// ErrExtraction marks image bytes the extractor could not turn into a vector.
var ErrExtraction = errors.New("feature extraction failed")

// Extractor produces a fixed-length vector for image bytes. Identical bytes
// always produce identical vectors.
type Extractor interface {
	Extract(ctx context.Context, data []byte) ([]float32, error)
	Dimensions() int
	Close() error
}

// NormalizeL2Slice normalizes the slice in place to unit L2 norm.
func NormalizeL2Slice(x []float32) {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sum))
	for i := range x {
		x[i] *= norm
	}
}
