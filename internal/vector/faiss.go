//go:build faiss && cgo
// +build faiss,cgo

package vector

/*
#cgo CFLAGS: -I/opt/homebrew/include -I/usr/local/include
#cgo LDFLAGS: -L/opt/homebrew/lib -L/usr/local/lib -lfaiss_c

#include <stdlib.h>
#include <faiss/c_api/Index_c.h>
#include <faiss/c_api/IndexFlat_c.h>
#include <faiss/c_api/error_c.h>
*/
import "C"

import (
	"fmt"
	"math"
	"unsafe"
)

// FAISSEngine is an engine backed by a FAISS IndexFlatIP over unit vectors.
// Inner products are converted to angular distance. FAISS labels are positions
// into ids; vectors are kept Go-side so the manager can rebuild from them.
type FAISSEngine struct {
	index      *C.FaissIndexFlatIP
	dimensions int
	flat       *FlatEngine
}

// NewFAISSEngine creates an empty FAISS engine.
func NewFAISSEngine(dimensions int) (*FAISSEngine, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	var index *C.FaissIndexFlatIP
	if ret := C.faiss_IndexFlatIP_new_with(&index, C.idx_t(dimensions)); ret != 0 {
		return nil, fmt.Errorf("failed to create FAISS index: %s", faissLastError())
	}
	return &FAISSEngine{index: index, dimensions: dimensions, flat: NewFlatEngine(dimensions)}, nil
}

// faissLastError returns the last FAISS error message.
func faissLastError() string {
	cErr := C.faiss_get_last_error()
	if cErr == nil {
		return "unknown error"
	}
	return C.GoString(cErr)
}

// Type returns the engine type identifier.
func (f *FAISSEngine) Type() string {
	return string(EngineFAISS)
}

// Add stages vec; vectors reach FAISS on Build.
func (f *FAISSEngine) Add(id uint64, vec []float32) error {
	return f.flat.Add(id, vec)
}

// Build loads all vectors into the FAISS index and freezes the engine.
func (f *FAISSEngine) Build() error {
	if f.flat.built {
		return nil
	}
	if err := f.load(); err != nil {
		return err
	}
	return f.flat.Build()
}

func (f *FAISSEngine) load() error {
	n := f.flat.Len()
	if n == 0 {
		return nil
	}
	flatVectors := make([]float32, 0, n*f.dimensions)
	for _, v := range f.flat.vectors {
		flatVectors = append(flatVectors, unit(v)...)
	}
	ret := C.faiss_Index_add(f.index, C.idx_t(n), (*C.float)(unsafe.Pointer(&flatVectors[0])))
	if ret != 0 {
		return fmt.Errorf("failed to add vectors to FAISS index: %s", faissLastError())
	}
	return nil
}

// Query searches the FAISS index.
func (f *FAISSEngine) Query(vec []float32, k int) ([]Neighbor, error) {
	if !f.flat.built {
		return nil, ErrNotBuilt
	}
	if len(vec) != f.dimensions {
		return nil, &ErrDimensionMismatch{Expected: f.dimensions, Actual: len(vec)}
	}
	ntotal := int(C.faiss_Index_ntotal(f.index))
	if k <= 0 || ntotal == 0 {
		return nil, nil
	}
	if k > ntotal {
		k = ntotal
	}
	q := unit(vec)
	distances := make([]float32, k)
	labels := make([]int64, k)
	ret := C.faiss_Index_search(
		f.index,
		1,
		(*C.float)(unsafe.Pointer(&q[0])),
		C.idx_t(k),
		(*C.float)(unsafe.Pointer(&distances[0])),
		(*C.idx_t)(unsafe.Pointer(&labels[0])),
	)
	if ret != 0 {
		return nil, fmt.Errorf("FAISS search failed: %s", faissLastError())
	}
	out := make([]Neighbor, 0, k)
	for i, label := range labels {
		if label < 0 || int(label) >= len(f.flat.ids) {
			continue
		}
		d := math.Sqrt(math.Max(0, 2-2*float64(distances[i])))
		out = append(out, Neighbor{ID: f.flat.ids[label], Distance: float32(d)})
	}
	sortNeighbors(out)
	return out, nil
}

// Len returns the number of vectors.
func (f *FAISSEngine) Len() int {
	return f.flat.Len()
}

// Items visits vectors in insertion order.
func (f *FAISSEngine) Items(fn func(id uint64, vec []float32) bool) {
	f.flat.Items(fn)
}

// MarshalBinary encodes ids and vectors; the FAISS index is rebuilt on load.
func (f *FAISSEngine) MarshalBinary() ([]byte, error) {
	return f.flat.MarshalBinary()
}

// UnmarshalBinary restores vectors and rebuilds the FAISS index.
func (f *FAISSEngine) UnmarshalBinary(data []byte) error {
	if err := f.flat.UnmarshalBinary(data); err != nil {
		return err
	}
	C.faiss_Index_reset(f.index)
	return f.load()
}

// Close frees the FAISS index resources.
func (f *FAISSEngine) Close() error {
	if f.index != nil {
		C.faiss_Index_free(f.index)
		f.index = nil
	}
	return nil
}
