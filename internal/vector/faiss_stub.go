//go:build !faiss || !cgo
// +build !faiss !cgo

package vector

import "fmt"

// FAISSEngine is a stub that returns an error when FAISS is not available.
// Build with -tags=faiss to enable FAISS support.
type FAISSEngine struct{}

// NewFAISSEngine returns an error because FAISS is not available.
func NewFAISSEngine(dimensions int) (*FAISSEngine, error) {
	return nil, fmt.Errorf("FAISS not available: build with -tags=faiss and install FAISS library")
}

func (f *FAISSEngine) Add(uint64, []float32) error { return fmt.Errorf("FAISS not available") }

func (f *FAISSEngine) Build() error { return fmt.Errorf("FAISS not available") }

func (f *FAISSEngine) Query([]float32, int) ([]Neighbor, error) {
	return nil, fmt.Errorf("FAISS not available")
}

func (f *FAISSEngine) Len() int { return 0 }

func (f *FAISSEngine) Items(func(uint64, []float32) bool) {}

func (f *FAISSEngine) MarshalBinary() ([]byte, error) { return nil, fmt.Errorf("FAISS not available") }

func (f *FAISSEngine) UnmarshalBinary([]byte) error { return fmt.Errorf("FAISS not available") }

func (f *FAISSEngine) Type() string { return string(EngineFAISS) }

func (f *FAISSEngine) Close() error { return nil }
