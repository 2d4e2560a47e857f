// Package cache provides a single-flight TTL cache.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/lupppig/snsbus/internal/domain"
)

// Expiring memoizes computed values per key for a TTL. Concurrent misses on
// one key share a single computation. Expired entries are swept by a
// background janitor that does not coordinate with writers, so a value
// written just before a sweep may be dropped early.
type Expiring[V any] struct {
	items   *gocache.Cache
	flights singleflight.Group
	maxKeys int

	// pending counts keys being computed. They hold a slot against maxKeys
	// until stored.
	slotMu  sync.Mutex
	pending int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New builds a cache holding at most maxKeys keys. cleanupInterval <= 0
// disables the janitor; expired entries are then only dropped on read or
// when the key bound is hit.
func New[V any](maxKeys int, cleanupInterval time.Duration) *Expiring[V] {
	return &Expiring[V]{
		items:   gocache.New(gocache.NoExpiration, cleanupInterval),
		maxKeys: maxKeys,
	}
}

// Get returns the live value for key or computes it. It fails with
// domain.ErrCacheFull when key is absent and the cache is at its bound;
// callers then compute directly. Errors from compute are returned as is and
// never cached.
func (c *Expiring[V]) Get(key string, compute func() (V, error), ttl time.Duration) (V, error) {
	if v, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	res, err, _ := c.flights.Do(key, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		if !c.reserve() {
			return nil, domain.ErrCacheFull
		}
		defer c.release()
		v, err := compute()
		if err != nil {
			return nil, err
		}
		c.items.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// reserve claims a slot for a fresh key. Stored and in-flight keys together
// never exceed maxKeys.
func (c *Expiring[V]) reserve() bool {
	if c.maxKeys <= 0 {
		return true
	}
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	if c.items.ItemCount()+c.pending >= c.maxKeys {
		c.items.DeleteExpired()
		if c.items.ItemCount()+c.pending >= c.maxKeys {
			return false
		}
	}
	c.pending++
	return true
}

func (c *Expiring[V]) release() {
	if c.maxKeys <= 0 {
		return
	}
	c.slotMu.Lock()
	c.pending--
	c.slotMu.Unlock()
}

func (c *Expiring[V]) lookup(key string) (V, bool) {
	if raw, ok := c.items.Get(key); ok {
		return raw.(V), true
	}
	var zero V
	return zero, false
}

// Invalidate drops key so the next Get recomputes it.
func (c *Expiring[V]) Invalidate(key string) {
	c.items.Delete(key)
}

// Len counts stored keys, including expired ones not yet swept.
func (c *Expiring[V]) Len() int {
	return c.items.ItemCount()
}

// Stats reports lookups served from the cache and lookups that missed.
func (c *Expiring[V]) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
