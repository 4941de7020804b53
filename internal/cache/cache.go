// Package cache stores derived per-entity values (data ranges, histogram
// bins, thumbnails metadata) that are expensive to recompute but safe to
// lose.
package cache

import (
	"sync"

	"github.com/google/uuid"

	"imagecore/internal/entity"
)

// Store maps (entity id, key) pairs to JSON-compatible values.
type Store interface {
	Get(id uuid.UUID, key string) (any, bool, error)
	Set(id uuid.UUID, key string, value any) error
	Remove(id uuid.UUID, key string) error
}

type entryKey struct {
	id  uuid.UUID
	key string
}

// MemoryCache is a process-local Store. Values are deep-copied in and out.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[entryKey]any
}

// NewMemory returns an empty in-memory cache.
func NewMemory() *MemoryCache {
	return &MemoryCache{entries: make(map[entryKey]any)}
}

func (c *MemoryCache) Get(id uuid.UUID, key string) (any, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[entryKey{id, key}]
	return entity.DeepCopy(v), ok, nil
}

func (c *MemoryCache) Set(id uuid.UUID, key string, value any) error {
	c.mu.Lock()
	c.entries[entryKey{id, key}] = entity.DeepCopy(value)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Remove(id uuid.UUID, key string) error {
	c.mu.Lock()
	delete(c.entries, entryKey{id, key})
	c.mu.Unlock()
	return nil
}

// Len reports the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
