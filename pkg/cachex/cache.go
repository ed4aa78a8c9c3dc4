// Package cachex provides a small read-through cache keyed by tenant and
// issuer. It backs the signing-key rings and the upstream OIDC providers.
//
// Refresh policy: an entry is served until it is older than TTL. The next
// Get after that reloads it; concurrent loads for the same key are
// coalesced. If a reload fails while an older value exists, the old value is
// served and the failure is reported through OnStaleError, so a store outage
// does not take verification down with it. Invalidate drops an entry
// immediately (local key rotation) and Refresh forces a reload unless the
// entry is younger than the given minimum age (unknown kid from another
// instance's rotation).
package cachex

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Key identifies a cache entry. Tenant is the realm ID; Issuer is the issuer
// URL the value belongs to.
type Key struct {
	Tenant string
	Issuer string
}

func (k Key) String() string { return k.Tenant + "\x00" + k.Issuer }

// Loader fetches the value for key from the source of truth.
type Loader[V any] func(ctx context.Context, key Key) (V, error)

type entry[V any] struct {
	value    V
	loadedAt time.Time
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	ttl  time.Duration
	now  func() time.Time
	load Loader[V]

	// OnStaleError, when set, is told about reload failures that were
	// answered with a stale value.
	OnStaleError func(key Key, err error)

	mu      sync.RWMutex
	entries map[Key]entry[V]
	group   singleflight.Group
}

// New returns a cache. A nil now uses time.Now.
func New[V any](ttl time.Duration, now func() time.Time, load Loader[V]) *Cache[V] {
	if now == nil {
		now = time.Now
	}
	return &Cache[V]{
		ttl:     ttl,
		now:     now,
		load:    load,
		entries: make(map[Key]entry[V]),
	}
}

// Get returns a fresh value for key, loading it when missing or expired.
func (c *Cache[V]) Get(ctx context.Context, key Key) (V, error) {
	if e, ok := c.lookup(key); ok && c.now().Sub(e.loadedAt) < c.ttl {
		return e.value, nil
	}
	return c.reload(ctx, key)
}

// Refresh reloads key unless the current entry is younger than minAge.
func (c *Cache[V]) Refresh(ctx context.Context, key Key, minAge time.Duration) (V, error) {
	if e, ok := c.lookup(key); ok && c.now().Sub(e.loadedAt) < minAge {
		return e.value, nil
	}
	return c.reload(ctx, key)
}

// Invalidate drops key so the next Get reloads it.
func (c *Cache[V]) Invalidate(key Key) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len reports the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[V]) lookup(key Key) (entry[V], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *Cache[V]) reload(ctx context.Context, key Key) (V, error) {
	// The load must not die with whichever caller happened to start it.
	loadCtx := context.WithoutCancel(ctx)

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		value, err := c.load(loadCtx, key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry[V]{value: value, loadedAt: c.now()}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		if e, ok := c.lookup(key); ok {
			if c.OnStaleError != nil {
				c.OnStaleError(key, err)
			}
			return e.value, nil
		}
		var zero V
		return zero, err
	}
	return v.(V), nil
}
