package embedding

import (
	"context"
	"fmt"
	"image/color"

	"github.com/hyperjump/iris/internal/imageio"
)

const (
	histBins = 4
	gridSize = 8
	sampleSz = 32

	// HistogramDimensions is the vector length of HistogramExtractor.
	HistogramDimensions = histBins*histBins*histBins + gridSize*gridSize
)

// HistogramExtractor is a pure-Go extractor combining a coarse RGB histogram with
// a mean-centered luminance grid. It needs no model files and is used when no
// ONNX model is configured.
type HistogramExtractor struct{}

// NewHistogramExtractor returns a HistogramExtractor.
func NewHistogramExtractor() *HistogramExtractor {
	return &HistogramExtractor{}
}

// Extract decodes data and returns its L2-normalized feature vector.
func (e *HistogramExtractor) Extract(ctx context.Context, data []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, _, err := imageio.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	small := imageio.Resize(img, sampleSz, sampleSz)

	vec := make([]float32, HistogramDimensions)
	hist := vec[:histBins*histBins*histBins]
	grid := vec[len(hist):]
	cell := sampleSz / gridSize

	var lumSum float32
	for y := 0; y < sampleSz; y++ {
		for x := 0; x < sampleSz; x++ {
			c := color.RGBAModel.Convert(small.At(x, y)).(color.RGBA)
			r, g, b := int(c.R)*histBins/256, int(c.G)*histBins/256, int(c.B)*histBins/256
			hist[(r*histBins+g)*histBins+b]++
			lum := (0.299*float32(c.R) + 0.587*float32(c.G) + 0.114*float32(c.B)) / 255
			grid[(y/cell)*gridSize+x/cell] += lum
			lumSum += lum
		}
	}
	pixels := float32(sampleSz * sampleSz)
	for i := range hist {
		hist[i] /= pixels
	}
	mean := lumSum / pixels
	perCell := float32(cell * cell)
	for i := range grid {
		grid[i] = grid[i]/perCell - mean
	}
	NormalizeL2Slice(vec)
	return vec, nil
}

// Dimensions returns HistogramDimensions.
func (e *HistogramExtractor) Dimensions() int {
	return HistogramDimensions
}

// Close is a no-op.
func (e *HistogramExtractor) Close() error {
	return nil
}
