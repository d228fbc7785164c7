package embedding

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"go.uber.org/zap"
)

// Cache stores vectors by content key.
type Cache interface {
	Get(key string) ([]float32, bool)
	Set(key string, value []float32)
}

// EmbeddingCache is an LRU cache for vectors keyed by content hash.
type EmbeddingCache struct {
	capacity int
	cache    map[string]*list.Element
	lru      *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	key   string
	value []float32
}

// NewEmbeddingCache creates a new cache with the given capacity.
func NewEmbeddingCache(capacity int) *EmbeddingCache {
	return &EmbeddingCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the cached vector for key if present.
func (c *EmbeddingCache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry).value, true
	}
	return nil, false
}

// Set stores the vector for key, evicting the oldest entry if at capacity.
func (c *EmbeddingCache) Set(key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	elem := c.lru.PushFront(&cacheEntry{key: key, value: value})
	c.cache[key] = elem

	if c.lru.Len() > c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len returns the number of cached entries.
func (c *EmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// ContentKey is the cache key of image bytes.
func ContentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CachedExtractor consults caches in order before delegating to the wrapped
// extractor, and fills every cache on a miss.
type CachedExtractor struct {
	inner  Extractor
	caches []Cache
	logger *zap.Logger
}

// NewCachedExtractor wraps inner with the given caches. Nil caches are ignored.
func NewCachedExtractor(inner Extractor, logger *zap.Logger, caches ...Cache) *CachedExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	var cs []Cache
	for _, c := range caches {
		if c != nil {
			cs = append(cs, c)
		}
	}
	return &CachedExtractor{inner: inner, caches: cs, logger: logger}
}

// Extract returns the cached vector for data or computes it.
func (e *CachedExtractor) Extract(ctx context.Context, data []byte) ([]float32, error) {
	key := ContentKey(data)
	for i, c := range e.caches {
		if v, ok := c.Get(key); ok && len(v) == e.inner.Dimensions() {
			for _, earlier := range e.caches[:i] {
				earlier.Set(key, v)
			}
			return v, nil
		}
	}
	v, err := e.inner.Extract(ctx, data)
	if err != nil {
		return nil, err
	}
	for _, c := range e.caches {
		c.Set(key, v)
	}
	return v, nil
}

// Dimensions returns the wrapped extractor's dimensions.
func (e *CachedExtractor) Dimensions() int {
	return e.inner.Dimensions()
}

// Close closes the wrapped extractor and any cache that holds resources.
func (e *CachedExtractor) Close() error {
	err := e.inner.Close()
	for _, c := range e.caches {
		if cl, ok := c.(interface{ Close() error }); ok {
			if cerr := cl.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	return err
}
