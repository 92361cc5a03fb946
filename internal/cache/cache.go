package cache

import (
	"sync"
)

// MaskCache defines a generic interface for caching causal attention masks.
// A mask depends only on the sequence length, never on batch or head, so one
// mask per length serves every forward call in the process.
type MaskCache interface {
	// Get retrieves a mask from the cache.
	Get(seqLen int) ([]float32, bool)
	// Put stores a mask in the cache.
	Put(seqLen int, mask []float32)
	// Size returns the number of cached masks.
	Size() int
}

// MapCache is a simple in-memory implementation of MaskCache.
//
// Cached masks are shared, not copied: callers treat them as read-only.
// A mask for a given length is immutable once built, so handing out the
// same slice is safe.
type MapCache struct {
	data map[int][]float32
	mu   sync.RWMutex
}

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[int][]float32),
	}
}

func (c *MapCache) Get(seqLen int) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if m, ok := c.data[seqLen]; ok {
		return m, true
	}
	return nil, false
}

func (c *MapCache) Put(seqLen int, mask []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[seqLen] = mask
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// GetOrBuild returns the cached mask for seqLen, building and caching it with
// build on a miss. Concurrent callers may race to build the same length; both
// results are identical so the last write wins harmlessly.
func (c *MapCache) GetOrBuild(seqLen int, build func(int) []float32) []float32 {
	if m, ok := c.Get(seqLen); ok {
		return m
	}
	m := build(seqLen)
	c.Put(seqLen, m)
	return m
}
