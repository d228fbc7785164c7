//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"image/color"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/iris/internal/imageio"
)

var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ONNXConfig describes an image model exported to ONNX. The model takes one NCHW
// float32 tensor of shape [1, 3, InputSize, InputSize] and returns [1, Dimensions].
type ONNXConfig struct {
	ModelPath  string
	Dimensions int
	InputSize  int
	InputName  string
	OutputName string
}

// ONNXExtractor runs an image model with ONNX Runtime. It requires CGO and the
// onnxruntime shared library.
type ONNXExtractor struct {
	session    *ort.AdvancedSession
	dimensions int
	inputSize  int
	// Pre-allocated tensors for Run(); we update input data and read output.
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	mu           sync.Mutex
}

// NewONNXExtractor creates an ONNX extractor. InitializeEnvironment is called if not already done.
func NewONNXExtractor(cfg ONNXConfig) (*ONNXExtractor, error) {
	if cfg.InputSize <= 0 {
		cfg.InputSize = 224
	}
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output"
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	size := int64(cfg.InputSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.Dimensions)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXExtractor{
		session:      session,
		dimensions:   cfg.Dimensions,
		inputSize:    cfg.InputSize,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Extract decodes data, fills the input tensor and runs the model.
func (e *ONNXExtractor) Extract(ctx context.Context, data []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, _, err := imageio.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	resized := imageio.Resize(img, e.inputSize, e.inputSize)

	e.mu.Lock()
	defer e.mu.Unlock()

	in := e.inputTensor.GetData()
	plane := e.inputSize * e.inputSize
	for y := 0; y < e.inputSize; y++ {
		for x := 0; x < e.inputSize; x++ {
			c := color.RGBAModel.Convert(resized.At(x, y)).(color.RGBA)
			i := y*e.inputSize + x
			in[i] = (float32(c.R)/255 - imagenetMean[0]) / imagenetStd[0]
			in[plane+i] = (float32(c.G)/255 - imagenetMean[1]) / imagenetStd[1]
			in[2*plane+i] = (float32(c.B)/255 - imagenetMean[2]) / imagenetStd[2]
		}
	}

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: inference failed: %v", ErrExtraction, err)
	}

	vec := make([]float32, e.dimensions)
	copy(vec, e.outputTensor.GetData())
	NormalizeL2Slice(vec)
	return vec, nil
}

// Dimensions returns the output vector length.
func (e *ONNXExtractor) Dimensions() int {
	return e.dimensions
}

// Close destroys the session and tensors.
func (e *ONNXExtractor) Close() error {
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	if e.inputTensor != nil {
		_ = e.inputTensor.Destroy()
		e.inputTensor = nil
	}
	if e.outputTensor != nil {
		_ = e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	return err
}
