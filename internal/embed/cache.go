package embed

import (
	"fmt"
	"time"

	"github.com/maypok86/otter"
)

// Cache keeps recently computed vectors keyed by client and the hash of the
// exact text sent to it, so re-embedding identical input within the TTL
// skips the provider.
type Cache struct {
	cache otter.Cache[string, []float32]
}

// NewCache creates a Cache holding up to capacity vectors for ttl.
func NewCache(capacity int, ttl time.Duration) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	c, err := otter.MustBuilder[string, []float32](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding cache: %w", err)
	}
	return &Cache{cache: c}, nil
}

func cacheKey(client, hash string) string {
	return client + ":" + hash
}

// Get returns the cached vector of hash produced by client.
func (c *Cache) Get(client, hash string) (Vector, bool) {
	values, ok := c.cache.Get(cacheKey(client, hash))
	if !ok {
		return Vector{}, false
	}
	return Vector{Values: values, Provider: client}, true
}

// Set stores a vector.
func (c *Cache) Set(hash string, v Vector) {
	c.cache.Set(cacheKey(v.Provider, hash), v.Values)
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	return c.cache.Size()
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	c.cache.Close()
}
