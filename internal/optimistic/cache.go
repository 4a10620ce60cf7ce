package optimistic

import (
	"context"
	"sort"
	"sync"
)

// Cache is the shared query-result store the engine mutates. Values are
// JSON-like trees.
type Cache interface {
	Read(ctx context.Context, key string) (any, bool, error)
	Write(ctx context.Context, key string, value any) error
}

// MemoryCache is an in-process Cache. Values are deep-copied on the way in
// and out so callers never alias cached trees.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]any
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]any)}
}

func (c *MemoryCache) Read(_ context.Context, key string) (any, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return deepCopy(v), true, nil
}

func (c *MemoryCache) Write(_ context.Context, key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = deepCopy(value)
	return nil
}

// Keys returns cached keys in sorted order.
func (c *MemoryCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
