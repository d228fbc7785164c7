package embedding

import (
	"context"
	"testing"
)

func TestEmbeddingCache(t *testing.T) {
	c := NewEmbeddingCache(2)
	c.Set("a", []float32{1})
	c.Set("b", []float32{2})
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a")
	}
	c.Set("c", []float32{3})
	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if v, ok := c.Get("a"); !ok || v[0] != 1 {
		t.Error("a should still be cached")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

type countingExtractor struct {
	*MockExtractor
	calls int
}

func (c *countingExtractor) Extract(ctx context.Context, data []byte) ([]float32, error) {
	c.calls++
	return c.MockExtractor.Extract(ctx, data)
}

func TestCachedExtractor(t *testing.T) {
	inner := &countingExtractor{MockExtractor: NewMockExtractor(8)}
	lru := NewEmbeddingCache(10)
	e := NewCachedExtractor(inner, nil, lru, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.Extract(ctx, []byte("same bytes")); err != nil {
			t.Fatal(err)
		}
	}
	if inner.calls != 1 {
		t.Errorf("inner called %d times, want 1", inner.calls)
	}
	if _, ok := lru.Get(ContentKey([]byte("same bytes"))); !ok {
		t.Error("expected LRU to be filled")
	}
}

func TestBadgerCachePersists(t *testing.T) {
	dir := t.TempDir()
	c, err := NewBadgerCache(dir, "histogram", nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Set("k", []float32{0.5, 0.25})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c, err = NewBadgerCache(dir, "histogram", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	v, ok := c.Get("k")
	if !ok || len(v) != 2 || v[0] != 0.5 || v[1] != 0.25 {
		t.Errorf("Get = %v, %v", v, ok)
	}

	other, err := NewBadgerCache("", "onnx", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if _, ok := other.Get("k"); ok {
		t.Error("in-memory cache should be empty")
	}
}

func TestBadgerCacheNamespacesModels(t *testing.T) {
	c, err := NewBadgerCache("", "histogram", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.Set("k", []float32{1})
	if _, ok := c.Get("other"); ok {
		t.Error("unexpected hit")
	}
}
