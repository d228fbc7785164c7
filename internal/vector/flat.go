package vector

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// FlatEngine is an exact brute-force engine. It computes every distance per query.
type FlatEngine struct {
	dimensions int
	ids        []uint64
	vectors    [][]float32
	built      bool
}

// NewFlatEngine creates an empty flat engine.
func NewFlatEngine(dimensions int) *FlatEngine {
	return &FlatEngine{dimensions: dimensions}
}

// Type returns the engine type identifier.
func (f *FlatEngine) Type() string {
	return string(EngineFlat)
}

// Add stores a copy of vec.
func (f *FlatEngine) Add(id uint64, vec []float32) error {
	if f.built {
		return ErrFrozen
	}
	if len(vec) != f.dimensions {
		return &ErrDimensionMismatch{Expected: f.dimensions, Actual: len(vec)}
	}
	f.ids = append(f.ids, id)
	f.vectors = append(f.vectors, append([]float32(nil), vec...))
	return nil
}

// Build freezes the engine.
func (f *FlatEngine) Build() error {
	f.built = true
	return nil
}

// Query scans every vector.
func (f *FlatEngine) Query(vec []float32, k int) ([]Neighbor, error) {
	if !f.built {
		return nil, ErrNotBuilt
	}
	if len(vec) != f.dimensions {
		return nil, &ErrDimensionMismatch{Expected: f.dimensions, Actual: len(vec)}
	}
	if k <= 0 || len(f.ids) == 0 {
		return nil, nil
	}
	out := make([]Neighbor, len(f.ids))
	for i, v := range f.vectors {
		out[i] = Neighbor{ID: f.ids[i], Distance: AngularDistance(vec, v)}
	}
	sortNeighbors(out)
	return truncate(out, k), nil
}

// Len returns the number of vectors.
func (f *FlatEngine) Len() int {
	return len(f.ids)
}

// Items visits vectors in insertion order.
func (f *FlatEngine) Items(fn func(id uint64, vec []float32) bool) {
	for i, id := range f.ids {
		if !fn(id, f.vectors[i]) {
			return
		}
	}
}

// MarshalBinary encodes the engine. Format: dimension (4), n (4), then per
// vector: id (8), vector (dimension*4 bytes). All little endian.
func (f *FlatEngine) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(8 + len(f.ids)*(8+f.dimensions*4))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(f.dimensions))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(f.ids)))
	for i, id := range f.ids {
		_ = binary.Write(&buf, binary.LittleEndian, id)
		buf.Write(float32SliceToBytes(f.vectors[i]))
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary replaces the contents with data and freezes the engine.
func (f *FlatEngine) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != f.dimensions {
		return &ErrDimensionMismatch{Expected: f.dimensions, Actual: int(dim)}
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	if int64(n)*int64(8+f.dimensions*4) != int64(r.Len()) {
		return fmt.Errorf("flat engine: truncated payload")
	}
	f.ids = make([]uint64, 0, n)
	f.vectors = make([][]float32, 0, n)
	buf := make([]byte, f.dimensions*4)
	for i := uint32(0); i < n; i++ {
		var id uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return fmt.Errorf("read id: %w", err)
		}
		if _, err := r.Read(buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		f.ids = append(f.ids, id)
		f.vectors = append(f.vectors, bytesToFloat32Slice(buf))
	}
	f.built = true
	return nil
}

// Close is a no-op for FlatEngine.
func (f *FlatEngine) Close() error {
	return nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
