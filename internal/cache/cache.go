// Package cache provides an in-memory TTL cache for backend lookups such as
// the target-group list.
package cache

import (
	"sync"
	"time"
)

// sweepEvery is how many writes pass between sweeps of expired entries.
const sweepEvery = 64

type entry[V any] struct {
	value     V
	staleAt   time.Time // still served, but the caller should refresh
	expiresAt time.Time // no longer served
}

// MemoryCache is a TTL cache with stale-while-revalidate semantics. Expired
// entries are dropped on read and swept periodically on write, so no
// background goroutine is needed.
type MemoryCache[V any] struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry[V]
	writes  int
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache[V any]() *MemoryCache[V] {
	return &MemoryCache[V]{
		now:     time.Now,
		entries: make(map[string]entry[V]),
	}
}

// Get returns the value for key. stale reports that the value is past its
// freshness deadline but has not expired yet.
func (c *MemoryCache[V]) Get(key string) (value V, found, stale bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return value, false, false
	}
	now := c.now()
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return value, false, false
	}
	return e.value, true, !now.Before(e.staleAt)
}

// Set stores value until ttl passes.
func (c *MemoryCache[V]) Set(key string, value V, ttl time.Duration) {
	c.SetWithStale(key, value, ttl, ttl)
}

// SetWithStale stores value as fresh for staleAfter and servable for
// expireAfter.
func (c *MemoryCache[V]) SetWithStale(key string, value V, staleAfter, expireAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = entry[V]{
		value:     value,
		staleAt:   now.Add(staleAfter),
		expiresAt: now.Add(expireAfter),
	}
	c.writes++
	if c.writes%sweepEvery == 0 {
		c.sweepLocked(now)
	}
}

// Invalidate removes key.
func (c *MemoryCache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *MemoryCache[V]) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// sweep drops expired entries and returns how many were removed.
func (c *MemoryCache[V]) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

func (c *MemoryCache[V]) sweepLocked(now time.Time) int {
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, expired ones included until swept.
func (c *MemoryCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
