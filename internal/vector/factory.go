package vector

import "fmt"

// EngineType names an Engine implementation.
type EngineType string

const (
	// EngineForest is a random-projection tree forest with angular distance. Default.
	EngineForest EngineType = "forest"
	// EngineFlat is exact brute-force search. Good for small collections.
	EngineFlat EngineType = "flat"
	// EngineFAISS uses FAISS. Requires the FAISS library and -tags=faiss.
	EngineFAISS EngineType = "faiss"
)

// EngineOptions tunes engines that support it.
type EngineOptions struct {
	// Trees is the number of trees in a forest.
	Trees int
	// SearchK is the number of candidates a forest inspects per query; 0 means Trees*k.
	SearchK int
	// LeafSize is the largest leaf of a forest tree.
	LeafSize int
	Seed     uint64
}

// NewEngine creates an empty engine of the given type.
// Supported types: "forest" (default), "flat", "faiss".
func NewEngine(engineType string, dimensions int, opts EngineOptions) (Engine, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	switch EngineType(engineType) {
	case EngineForest, "":
		return NewForestEngine(dimensions, opts), nil
	case EngineFlat:
		return NewFlatEngine(dimensions), nil
	case EngineFAISS:
		return NewFAISSEngine(dimensions)
	default:
		return nil, fmt.Errorf("unknown engine type: %s (supported: forest, flat, faiss)", engineType)
	}
}

// IsFAISSAvailable returns true if FAISS support is compiled in.
func IsFAISSAvailable() bool {
	e, err := NewFAISSEngine(1)
	if err != nil {
		return false
	}
	_ = e.Close()
	return true
}
