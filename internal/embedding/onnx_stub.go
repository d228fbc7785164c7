//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

// ONNXConfig describes an image model exported to ONNX.
type ONNXConfig struct {
	ModelPath  string
	Dimensions int
	InputSize  int
	InputName  string
	OutputName string
}

// ONNXExtractor stub type when built without CGO (see onnx.go for real implementation).
type ONNXExtractor struct{}

// NewONNXExtractor returns an error when built without CGO (ONNX not available).
func NewONNXExtractor(_ ONNXConfig) (*ONNXExtractor, error) {
	return nil, errors.New("ONNX extractor requires CGO; build with CGO_ENABLED=1 and onnxruntime")
}

func (e *ONNXExtractor) Extract(context.Context, []byte) ([]float32, error) {
	return nil, ErrExtraction
}

func (e *ONNXExtractor) Dimensions() int { return 0 }

func (e *ONNXExtractor) Close() error { return nil }
