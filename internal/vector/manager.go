package vector

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Manager.
type State string

const (
	StateEmpty       State = "empty"
	StateStaged      State = "staged"
	StateBuilt       State = "built"
	StateBuiltStaged State = "built+staged"
)

// Stats summarizes a Manager.
type Stats struct {
	State      State  `json:"state"`
	Engine     string `json:"engine"`
	Dimensions int    `json:"dimensions"`
	Frozen     int    `json:"frozen"`
	Staged     int    `json:"staged"`
	Generation uint64 `json:"generation"`
}

type stagedVector struct {
	ID     uint64    `msgpack:"id"`
	Vector []float32 `msgpack:"v"`
}

// Manager layers a mutable staging buffer over a frozen Engine. Every identifier
// lives in exactly one of the two. Queries fan out to both and merge by distance.
// Add, Build and Load take the write lock; Query and Persist take the read lock.
type Manager struct {
	mu         sync.RWMutex
	dimensions int
	engineType string
	engineOpts EngineOptions

	frozen    Engine
	frozenIDs *roaring64.Bitmap
	staged    []stagedVector
	stagedIDs *roaring64.Bitmap
	// generation increments on every build that changes the frozen engine.
	generation uint64

	logger *zap.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithEngineOptions tunes the engines the Manager builds.
func WithEngineOptions(opts EngineOptions) ManagerOption {
	return func(m *Manager) { m.engineOpts = opts }
}

// NewManager returns an empty Manager building engines of engineType.
func NewManager(engineType string, dimensions int, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		dimensions: dimensions,
		engineType: engineType,
		frozenIDs:  roaring64.New(),
		stagedIDs:  roaring64.New(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	// fail fast on an unusable engine type
	probe, err := NewEngine(engineType, dimensions, m.engineOpts)
	if err != nil {
		return nil, err
	}
	_ = probe.Close()
	if m.engineType == "" {
		m.engineType = probe.Type()
	}
	return m, nil
}

// Dimensions returns the configured vector length.
func (m *Manager) Dimensions() int {
	return m.dimensions
}

// Add stages vec under id. It fails only on a dimension mismatch or an id that
// is already indexed.
func (m *Manager) Add(id uint64, vec []float32) error {
	if len(vec) != m.dimensions {
		return &ErrDimensionMismatch{Expected: m.dimensions, Actual: len(vec)}
	}
	cp := append([]float32(nil), vec...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozenIDs.Contains(id) || m.stagedIDs.Contains(id) {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	m.staged = append(m.staged, stagedVector{ID: id, Vector: cp})
	m.stagedIDs.Add(id)
	return nil
}

// Build merges the staging buffer into a freshly built engine. With nothing
// staged it is a no-op. On failure the previous engine and the staging buffer
// are left untouched.
func (m *Manager) Build() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.staged) == 0 {
		return nil
	}

	eng, err := NewEngine(m.engineType, m.dimensions, m.engineOpts)
	if err != nil {
		return err
	}
	type item struct {
		id  uint64
		vec []float32
	}
	items := make([]item, 0, m.frozenLen()+len(m.staged))
	if m.frozen != nil {
		m.frozen.Items(func(id uint64, vec []float32) bool {
			items = append(items, item{id, vec})
			return true
		})
	}
	for _, s := range m.staged {
		items = append(items, item{s.ID, s.Vector})
	}
	// staged vectors arrive in completion order; sort for deterministic builds
	slices.SortFunc(items, func(a, b item) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	for _, it := range items {
		if err := eng.Add(it.id, it.vec); err != nil {
			_ = eng.Close()
			return fmt.Errorf("build: %w", err)
		}
	}
	if err := eng.Build(); err != nil {
		_ = eng.Close()
		return fmt.Errorf("build: %w", err)
	}

	if m.frozen != nil {
		_ = m.frozen.Close()
	}
	m.frozen = eng
	m.frozenIDs.Or(m.stagedIDs)
	m.stagedIDs.Clear()
	m.staged = nil
	m.generation++
	m.logger.Info("Index built",
		zap.Int("vectors", eng.Len()),
		zap.String("engine", eng.Type()),
		zap.Uint64("generation", m.generation))
	return nil
}

func (m *Manager) frozenLen() int {
	if m.frozen == nil {
		return 0
	}
	return m.frozen.Len()
}

// Query returns up to k neighbors of vec from the frozen engine and the staging
// buffer, ascending by distance. An empty index yields an empty result.
func (m *Manager) Query(vec []float32, k int) ([]Neighbor, error) {
	if len(vec) != m.dimensions {
		return nil, &ErrDimensionMismatch{Expected: m.dimensions, Actual: len(vec)}
	}
	if k <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Neighbor
	if m.frozen != nil {
		res, err := m.frozen.Query(vec, k)
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
	}
	for _, s := range m.staged {
		out = append(out, Neighbor{ID: s.ID, Distance: AngularDistance(vec, s.Vector)})
	}
	sortNeighbors(out)
	return truncate(out, k), nil
}

// Contains reports whether id is frozen or staged.
func (m *Manager) Contains(id uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozenIDs.Contains(id) || m.stagedIDs.Contains(id)
}

// IDs returns a copy of every indexed identifier.
func (m *Manager) IDs() *roaring64.Bitmap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return roaring64.Or(m.frozenIDs, m.stagedIDs)
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	built := m.frozen != nil && m.frozen.Len() > 0
	switch {
	case built && len(m.staged) > 0:
		return StateBuiltStaged
	case built:
		return StateBuilt
	case len(m.staged) > 0:
		return StateStaged
	}
	return StateEmpty
}

// Stats returns counters for status reporting.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		State:      m.stateLocked(),
		Engine:     m.engineType,
		Dimensions: m.dimensions,
		Frozen:     m.frozenLen(),
		Staged:     len(m.staged),
		Generation: m.generation,
	}
}

var snapshotMagic = []byte("IRIX")

const snapshotVersion = 1

type snapshot struct {
	Version    int            `msgpack:"version"`
	Dimensions int            `msgpack:"dim"`
	Engine     string         `msgpack:"engine"`
	Generation uint64         `msgpack:"generation"`
	Frozen     []byte         `msgpack:"frozen,omitempty"`
	Staged     []stagedVector `msgpack:"staged"`
}

// Persist writes the frozen engine and the staging buffer to path atomically.
// The payload is msgpack compressed with zstd behind a 4-byte magic.
func (m *Manager) Persist(path string) error {
	if path == "" {
		return nil
	}
	m.mu.RLock()
	snap := snapshot{
		Version:    snapshotVersion,
		Dimensions: m.dimensions,
		Engine:     m.engineType,
		Generation: m.generation,
		Staged:     m.staged,
	}
	var err error
	if m.frozen != nil {
		snap.Frozen, err = m.frozen.MarshalBinary()
	}
	var payload []byte
	if err == nil {
		payload, err = msgpack.Marshal(&snap)
	}
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("create compressor: %w", err)
	}
	data := enc.EncodeAll(payload, append([]byte(nil), snapshotMagic...))
	_ = enc.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

// Load replaces the Manager's contents with the snapshot at path. A missing file
// leaves the Manager unchanged. A snapshot written by another engine type is
// rebuilt into the configured type.
func (m *Manager) Load(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read index: %w", err)
	}
	if !bytes.HasPrefix(data, snapshotMagic) {
		return errors.New("read index: not an index snapshot")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("create decompressor: %w", err)
	}
	payload, err := dec.DecodeAll(data[len(snapshotMagic):], nil)
	dec.Close()
	if err != nil {
		return fmt.Errorf("decompress index: %w", err)
	}
	var snap snapshot
	if err := msgpack.Unmarshal(payload, &snap); err != nil {
		return fmt.Errorf("decode index: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("decode index: unsupported version %d", snap.Version)
	}
	if snap.Dimensions != m.dimensions {
		return &ErrDimensionMismatch{Expected: m.dimensions, Actual: snap.Dimensions}
	}

	var frozen Engine
	frozenIDs := roaring64.New()
	if len(snap.Frozen) > 0 {
		frozen, err = NewEngine(snap.Engine, m.dimensions, m.engineOpts)
		if err != nil {
			return fmt.Errorf("load index: %w", err)
		}
		if err := frozen.UnmarshalBinary(snap.Frozen); err != nil {
			_ = frozen.Close()
			return fmt.Errorf("load index: %w", err)
		}
		frozen.Items(func(id uint64, _ []float32) bool {
			frozenIDs.Add(id)
			return true
		})
	}
	stagedIDs := roaring64.New()
	for _, s := range snap.Staged {
		if len(s.Vector) != m.dimensions {
			return &ErrDimensionMismatch{Expected: m.dimensions, Actual: len(s.Vector)}
		}
		if frozenIDs.Contains(s.ID) || stagedIDs.Contains(s.ID) {
			return fmt.Errorf("load index: %w: %d", ErrDuplicateID, s.ID)
		}
		stagedIDs.Add(s.ID)
	}

	m.mu.Lock()
	if m.frozen != nil {
		_ = m.frozen.Close()
	}
	m.frozen = frozen
	m.frozenIDs = frozenIDs
	m.staged = snap.Staged
	m.stagedIDs = stagedIDs
	m.generation = snap.Generation
	convert := frozen != nil && snap.Engine != m.engineType
	m.mu.Unlock()

	m.logger.Info("Index loaded",
		zap.String("path", path),
		zap.Int("frozen", int(frozenIDs.GetCardinality())),
		zap.Int("staged", len(snap.Staged)))

	if convert {
		return m.rebuildAs(snap.Engine)
	}
	return nil
}

// rebuildAs moves a frozen engine of another type into the configured type.
func (m *Manager) rebuildAs(from string) error {
	m.mu.Lock()
	old := m.frozen
	var moved []stagedVector
	old.Items(func(id uint64, vec []float32) bool {
		moved = append(moved, stagedVector{ID: id, Vector: vec})
		return true
	})
	m.staged = append(moved, m.staged...)
	for _, s := range moved {
		m.stagedIDs.Add(s.ID)
	}
	m.frozen = nil
	m.frozenIDs.Clear()
	m.mu.Unlock()
	_ = old.Close()

	m.logger.Info("Converting index engine", zap.String("from", from), zap.String("to", m.engineType))
	return m.Build()
}

// Close releases the frozen engine.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen != nil {
		err := m.frozen.Close()
		m.frozen = nil
		return err
	}
	return nil
}
