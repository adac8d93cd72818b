package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-memory Cache.
type Memory[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	policy  Policy
	now     func() time.Time
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewMemory creates an in-memory cache with the given policy.
func NewMemory[V any](policy Policy) *Memory[V] {
	return &Memory[V]{
		entries: make(map[string]entry[V]),
		policy:  policy,
		now:     time.Now,
	}
}

// Get returns the value for key. Expired entries are removed lazily.
func (c *Memory[V]) Get(_ context.Context, key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Set stores value for the policy's effective TTL. When the policy disables
// caching, Set is a no-op.
func (c *Memory[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	ttl = c.policy.EffectiveTTL(ttl)
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes a value from the cache. Idempotent - no error on miss.
func (c *Memory[V]) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Purge drops expired entries and returns how many were removed.
func (c *Memory[V]) Purge() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, including expired ones not yet
// purged.
func (c *Memory[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

var _ Cache[string] = (*Memory[string])(nil)
