// Package cache provides a minimal process-wide TTL cache. It exists for
// values that are read on every request but change rarely, such as the
// signup-enabled flag; a short TTL keeps the database out of the hot path
// without needing invalidation.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a concurrency-safe map with per-entry expiry. Expired entries are
// overwritten on the next Set; there is no background eviction.
type TTL[K comparable, V any] struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[K]entry[V]
}

// NewTTL builds a cache whose entries expire ttl after Set.
func NewTTL[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{
		ttl: ttl,
		m:   make(map[K]entry[V]),
	}
}

// Get returns the cached value for key, or false when absent or expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.m[key]
	if !ok || time.Now().After(e.expiresAt) {
		var zero V
		delete(c.m, key)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with a fresh expiry.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
}

// GetOrLoad returns the cached value for key, calling load and caching its
// result on a miss. Errors from load are returned and never cached.
func (c *TTL[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}
