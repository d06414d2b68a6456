// Package cache provides a small in-process TTL cache with singleflight
// loading. Lookups that sit on the frame hot path (scenario profiles,
// subscription lists) go through it so the store sees one query per key per
// TTL window instead of one per frame.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	TTL         time.Duration
	NegativeTTL time.Duration // how long a confirmed miss is remembered
	MaxEntries  int
}

type entry struct {
	value     interface{}
	negative  bool
	expiresAt time.Time
}

type Cache struct {
	mu     sync.RWMutex
	items  map[string]*entry
	order  []string
	opts   Options
	sf     singleflight.Group
	hits   atomic.Uint64
	misses atomic.Uint64
}

func New(opts Options) *Cache {
	return &Cache{
		items: make(map[string]*entry),
		order: make([]string, 0, 64),
		opts:  opts,
	}
}

// Loader fetches the value for a key on a cache miss. ok=false with a nil
// error means the key has no value; that outcome is cached for NegativeTTL.
// Loader errors are returned to the caller and never cached.
type Loader func(ctx context.Context, key string) (interface{}, bool, error)

type loadResult struct {
	val interface{}
	ok  bool
	err error
}

// Get returns the value for key, invoking loader on a miss. Concurrent
// misses for the same key share a single loader call.
func (c *Cache) Get(ctx context.Context, key string, loader Loader) (interface{}, bool, error) {
	now := time.Now()
	c.mu.RLock()
	if e, ok := c.items[key]; ok && now.Before(e.expiresAt) {
		c.mu.RUnlock()
		c.hits.Add(1)
		if e.negative {
			return nil, false, nil
		}
		return e.value, true, nil
	}
	c.mu.RUnlock()

	c.misses.Add(1)
	result, _, _ := c.sf.Do(key, func() (interface{}, error) {
		val, ok, err := loader(ctx, key)
		c.store(key, val, ok, err)
		return loadResult{val: val, ok: ok, err: err}, nil
	})
	res := result.(loadResult)
	if !res.ok {
		return nil, false, res.err
	}
	return res.val, true, nil
}

func (c *Cache) store(key string, val interface{}, ok bool, err error) {
	now := time.Now()
	e := &entry{}
	switch {
	case ok:
		e.value = val
		e.expiresAt = now.Add(c.opts.TTL)
	case err == nil && c.opts.NegativeTTL > 0:
		e.negative = true
		e.expiresAt = now.Add(c.opts.NegativeTTL)
	default:
		// Errors are not cached; the next Get retries the loader.
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = e
	c.evictIfNeeded()
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// FIFO eviction keeps the implementation cheap; entry counts here are tiny
// (one per scenario, one per subscription channel).
func (c *Cache) evictIfNeeded() {
	if c.opts.MaxEntries <= 0 || len(c.items) <= c.opts.MaxEntries {
		return
	}
	excess := len(c.items) - c.opts.MaxEntries
	for excess > 0 && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
		excess--
	}
}

// Set stores a value directly, bypassing the loader path.
func (c *Cache) Set(key string, val interface{}, ttl time.Duration) {
	e := &entry{value: val, expiresAt: time.Now().Add(ttl)}
	c.mu.Lock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = e
	c.evictIfNeeded()
	c.mu.Unlock()
}

// Peek returns a cached value without triggering a load.
func (c *Cache) Peek(key string) (interface{}, bool) {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || e.negative || now.After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.removeFromOrder(key)
	c.mu.Unlock()
}

// Purge drops every entry. Mutating endpoints call it so an edit is visible
// on the next lookup instead of after the TTL.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.items = make(map[string]*entry)
	c.order = c.order[:0]
	c.mu.Unlock()
}

// Stats reports hit/miss counts and the live entry count.
func (c *Cache) Stats() (hits, misses uint64, entries int) {
	c.mu.RLock()
	entries = len(c.items)
	c.mu.RUnlock()
	return c.hits.Load(), c.misses.Load(), entries
}
