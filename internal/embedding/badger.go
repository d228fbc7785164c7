package embedding

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// BadgerCache persists vectors on disk so re-ingesting known bytes skips extraction.
type BadgerCache struct {
	db     *badger.DB
	prefix []byte
	logger *zap.Logger
}

type cachedVector struct {
	Model  string    `msgpack:"m"`
	Vector []float32 `msgpack:"v"`
}

// NewBadgerCache opens a cache in dir. model namespaces keys so vectors of
// different extractors never mix. An empty dir opens an in-memory cache.
func NewBadgerCache(dir, model string, logger *zap.Logger) (*BadgerCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding cache: %w", err)
	}
	return &BadgerCache{db: db, prefix: []byte(model + ":"), logger: logger}, nil
}

func (c *BadgerCache) key(k string) []byte {
	return append(append([]byte{}, c.prefix...), k...)
}

// Get returns the persisted vector for key.
func (c *BadgerCache) Get(key string) ([]float32, bool) {
	var val []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.logger.Warn("Embedding cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var cv cachedVector
	if err := msgpack.Unmarshal(val, &cv); err != nil {
		c.logger.Warn("Embedding cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return cv.Vector, true
}

// Set persists the vector for key. Failures are logged, not returned.
func (c *BadgerCache) Set(key string, value []float32) {
	data, err := msgpack.Marshal(&cachedVector{Model: string(c.prefix[:len(c.prefix)-1]), Vector: value})
	if err != nil {
		c.logger.Warn("Embedding cache encode failed", zap.Error(err))
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(c.key(key), data)
	})
	if err != nil {
		c.logger.Warn("Embedding cache write failed", zap.Error(err))
	}
}

// Close closes the underlying database.
func (c *BadgerCache) Close() error {
	return c.db.Close()
}
