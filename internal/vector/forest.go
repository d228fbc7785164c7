package vector

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	defaultTrees    = 10
	defaultLeafSize = 32
	maxTreeDepth    = 64
)

// ForestEngine is an approximate engine built from random-projection trees over
// unit vectors. Each split is the hyperplane between two sampled items, so the
// structure follows angular distance. Builds are deterministic for a given seed
// and insertion order.
type ForestEngine struct {
	dimensions int
	trees      int
	searchK    int
	leafSize   int
	seed       uint64

	ids   []uint64
	vecs  [][]float32
	units [][]float32
	roots []int32
	nodes []forestNode
	built bool
}

// forestNode is a split when Normal is set and a leaf otherwise.
type forestNode struct {
	Normal []float32 `msgpack:"n,omitempty"`
	Left   int32     `msgpack:"l"`
	Right  int32     `msgpack:"r"`
	Items  []int32   `msgpack:"i,omitempty"`
}

// NewForestEngine creates an empty forest.
func NewForestEngine(dimensions int, opts EngineOptions) *ForestEngine {
	f := &ForestEngine{
		dimensions: dimensions,
		trees:      opts.Trees,
		searchK:    opts.SearchK,
		leafSize:   opts.LeafSize,
		seed:       opts.Seed,
	}
	if f.trees <= 0 {
		f.trees = defaultTrees
	}
	if f.leafSize <= 1 {
		f.leafSize = defaultLeafSize
	}
	return f
}

// Type returns the engine type identifier.
func (f *ForestEngine) Type() string {
	return string(EngineForest)
}

// Add stores a copy of vec. Adding after Build fails with ErrFrozen.
func (f *ForestEngine) Add(id uint64, vec []float32) error {
	if f.built {
		return ErrFrozen
	}
	if len(vec) != f.dimensions {
		return &ErrDimensionMismatch{Expected: f.dimensions, Actual: len(vec)}
	}
	f.ids = append(f.ids, id)
	f.vecs = append(f.vecs, append([]float32(nil), vec...))
	return nil
}

// Build grows the trees and freezes the engine.
func (f *ForestEngine) Build() error {
	if f.built {
		return nil
	}
	f.computeUnits()
	rng := rand.New(rand.NewPCG(f.seed, uint64(len(f.ids))))
	all := make([]int32, len(f.ids))
	for i := range all {
		all[i] = int32(i)
	}
	f.nodes = f.nodes[:0]
	f.roots = f.roots[:0]
	if len(all) > 0 {
		for t := 0; t < f.trees; t++ {
			f.roots = append(f.roots, f.split(all, rng, 0))
		}
	}
	f.built = true
	return nil
}

func (f *ForestEngine) computeUnits() {
	f.units = make([][]float32, len(f.vecs))
	for i, v := range f.vecs {
		f.units[i] = unit(v)
	}
}

func (f *ForestEngine) leaf(items []int32) int32 {
	f.nodes = append(f.nodes, forestNode{Items: append([]int32(nil), items...)})
	return int32(len(f.nodes) - 1)
}

func (f *ForestEngine) split(items []int32, rng *rand.Rand, depth int) int32 {
	if len(items) <= f.leafSize || depth >= maxTreeDepth {
		return f.leaf(items)
	}
	var normal []float32
	for attempt := 0; attempt < 3 && normal == nil; attempt++ {
		a := items[rng.IntN(len(items))]
		b := items[rng.IntN(len(items))]
		if a == b {
			continue
		}
		n := make([]float32, f.dimensions)
		var sq float32
		for i := range n {
			n[i] = f.units[a][i] - f.units[b][i]
			sq += n[i] * n[i]
		}
		if sq > 1e-12 {
			normal = n
		}
	}
	if normal == nil {
		return f.leaf(items)
	}

	var left, right []int32
	for _, it := range items {
		m := dot(normal, f.units[it])
		switch {
		case m > 0:
			right = append(right, it)
		case m < 0:
			left = append(left, it)
		case rng.IntN(2) == 0:
			left = append(left, it)
		default:
			right = append(right, it)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return f.leaf(items)
	}

	idx := int32(len(f.nodes))
	f.nodes = append(f.nodes, forestNode{Normal: normal})
	l := f.split(left, rng, depth+1)
	r := f.split(right, rng, depth+1)
	f.nodes[idx].Left, f.nodes[idx].Right = l, r
	return idx
}

// Query walks all trees best-first by hyperplane margin, collects candidates
// and ranks them by exact angular distance.
func (f *ForestEngine) Query(vec []float32, k int) ([]Neighbor, error) {
	if !f.built {
		return nil, ErrNotBuilt
	}
	if len(vec) != f.dimensions {
		return nil, &ErrDimensionMismatch{Expected: f.dimensions, Actual: len(vec)}
	}
	if k <= 0 || len(f.ids) == 0 {
		return nil, nil
	}
	searchK := f.searchK
	if searchK <= 0 {
		searchK = f.trees * k
	}
	q := unit(vec)

	pq := &nodeQueue{}
	for _, r := range f.roots {
		heap.Push(pq, queued{priority: math.Inf(1), node: r})
	}
	seen := make(map[int32]struct{})
	var candidates []int32
	for pq.Len() > 0 && len(candidates) < searchK {
		top := heap.Pop(pq).(queued)
		n := &f.nodes[top.node]
		if n.Normal == nil {
			for _, it := range n.Items {
				if _, ok := seen[it]; !ok {
					seen[it] = struct{}{}
					candidates = append(candidates, it)
				}
			}
			continue
		}
		m := float64(dot(n.Normal, q))
		heap.Push(pq, queued{priority: math.Min(top.priority, m), node: n.Right})
		heap.Push(pq, queued{priority: math.Min(top.priority, -m), node: n.Left})
	}

	out := make([]Neighbor, len(candidates))
	for i, it := range candidates {
		out[i] = Neighbor{ID: f.ids[it], Distance: AngularDistance(vec, f.vecs[it])}
	}
	sortNeighbors(out)
	return truncate(out, k), nil
}

// Len returns the number of vectors.
func (f *ForestEngine) Len() int {
	return len(f.ids)
}

// Items visits vectors in insertion order.
func (f *ForestEngine) Items(fn func(id uint64, vec []float32) bool) {
	for i, id := range f.ids {
		if !fn(id, f.vecs[i]) {
			return
		}
	}
}

type forestSnapshot struct {
	Dimensions int          `msgpack:"dim"`
	Trees      int          `msgpack:"trees"`
	SearchK    int          `msgpack:"search_k"`
	LeafSize   int          `msgpack:"leaf"`
	Seed       uint64       `msgpack:"seed"`
	IDs        []uint64     `msgpack:"ids"`
	Vectors    []float32    `msgpack:"vecs"`
	Roots      []int32      `msgpack:"roots"`
	Nodes      []forestNode `msgpack:"nodes"`
}

// MarshalBinary encodes vectors and trees with msgpack. The engine must be built.
func (f *ForestEngine) MarshalBinary() ([]byte, error) {
	if !f.built {
		return nil, ErrNotBuilt
	}
	flat := make([]float32, 0, len(f.vecs)*f.dimensions)
	for _, v := range f.vecs {
		flat = append(flat, v...)
	}
	return msgpack.Marshal(&forestSnapshot{
		Dimensions: f.dimensions,
		Trees:      f.trees,
		SearchK:    f.searchK,
		LeafSize:   f.leafSize,
		Seed:       f.seed,
		IDs:        f.ids,
		Vectors:    flat,
		Roots:      f.roots,
		Nodes:      f.nodes,
	})
}

// UnmarshalBinary restores a built forest.
func (f *ForestEngine) UnmarshalBinary(data []byte) error {
	var s forestSnapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode forest: %w", err)
	}
	if s.Dimensions != f.dimensions {
		return &ErrDimensionMismatch{Expected: f.dimensions, Actual: s.Dimensions}
	}
	if len(s.Vectors) != len(s.IDs)*s.Dimensions {
		return fmt.Errorf("decode forest: %d ids but %d components", len(s.IDs), len(s.Vectors))
	}
	if err := s.validate(); err != nil {
		return fmt.Errorf("decode forest: %w", err)
	}
	f.trees, f.searchK, f.leafSize, f.seed = s.Trees, s.SearchK, s.LeafSize, s.Seed
	f.ids = s.IDs
	f.vecs = make([][]float32, len(s.IDs))
	for i := range f.vecs {
		f.vecs[i] = s.Vectors[i*f.dimensions : (i+1)*f.dimensions : (i+1)*f.dimensions]
	}
	f.roots = s.Roots
	f.nodes = s.Nodes
	f.computeUnits()
	f.built = true
	return nil
}

// validate checks that every node reference in s is in range. Children always
// follow their parent, so a valid snapshot cannot contain a cycle.
func (s *forestSnapshot) validate() error {
	nodes := int32(len(s.Nodes))
	for _, r := range s.Roots {
		if r < 0 || r >= nodes {
			return fmt.Errorf("root %d out of range", r)
		}
	}
	for i, n := range s.Nodes {
		if n.Normal == nil {
			for _, it := range n.Items {
				if it < 0 || int(it) >= len(s.IDs) {
					return fmt.Errorf("leaf item %d out of range", it)
				}
			}
			continue
		}
		if len(n.Normal) != s.Dimensions {
			return fmt.Errorf("node %d normal has %d components", i, len(n.Normal))
		}
		for _, c := range [2]int32{n.Left, n.Right} {
			if c <= int32(i) || c >= nodes {
				return fmt.Errorf("node %d child %d out of range", i, c)
			}
		}
	}
	return nil
}

// Close is a no-op for ForestEngine.
func (f *ForestEngine) Close() error {
	return nil
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func unit(v []float32) []float32 {
	out := make([]float32, len(v))
	var sq float64
	for _, x := range v {
		sq += float64(x) * float64(x)
	}
	if sq == 0 {
		return out
	}
	inv := float32(1 / math.Sqrt(sq))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

type queued struct {
	priority float64
	node     int32
}

// nodeQueue is a max-heap on priority.
type nodeQueue []queued

func (q nodeQueue) Len() int           { return len(q) }
func (q nodeQueue) Less(i, j int) bool { return q[i].priority > q[j].priority }
func (q nodeQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x any)        { *q = append(*q, x.(queued)) }
func (q *nodeQueue) Pop() any {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}
