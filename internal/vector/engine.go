// Package vector holds the nearest-neighbor engines and the Manager that layers a
// mutable staging buffer over a frozen engine.
package vector

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrDuplicateID is returned when an identifier is added twice.
	ErrDuplicateID = errors.New("identifier already indexed")
	// ErrFrozen is returned when adding to an engine after Build.
	ErrFrozen = errors.New("engine is frozen")
	// ErrNotBuilt is returned when querying an engine before Build.
	ErrNotBuilt = errors.New("engine is not built")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Neighbor is one query hit.
type Neighbor struct {
	ID       uint64  `json:"id"`
	Distance float32 `json:"distance"`
}

// Engine is a build-once nearest-neighbor structure. Vectors are added, the
// structure is frozen with Build, and only then queried.
type Engine interface {
	Add(id uint64, vec []float32) error
	Build() error
	// Query returns up to k neighbors in ascending distance order.
	Query(vec []float32, k int) ([]Neighbor, error)
	Len() int
	// Items visits stored vectors in insertion order until fn returns false.
	Items(fn func(id uint64, vec []float32) bool)
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
	Type() string
	Close() error
}

// AngularDistance is sqrt(2 - 2*cos(a, b)), 0 for identical directions.
// A zero vector is treated as orthogonal to everything.
func AngularDistance(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return float32(math.Sqrt2)
	}
	cos := dot / math.Sqrt(na*nb)
	return float32(math.Sqrt(math.Max(0, 2-2*cos)))
}

// sortNeighbors orders by distance, breaking ties by identifier.
func sortNeighbors(ns []Neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].Distance != ns[j].Distance {
			return ns[i].Distance < ns[j].Distance
		}
		return ns[i].ID < ns[j].ID
	})
}

func truncate(ns []Neighbor, k int) []Neighbor {
	if len(ns) > k {
		return ns[:k]
	}
	return ns
}
