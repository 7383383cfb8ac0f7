// Package cache implements the generic, size-and-TTL-capped cache reused
// for schema lookups and query results. Eviction is
// LRU under both a byte cap and an entry cap, with a background sweep for
// expired entries.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry is a single cache record, linked into the LRU order list.
type entry[V any] struct {
	key       string
	value     V
	size      int
	expiresAt time.Time
	listElem  *list.Element
}

// Stats summarizes a cache's current occupancy.
type Stats struct {
	Count     int
	TotalSize int
	MaxCount  int
	MaxSize   int
}

// SizeFunc estimates a value's byte footprint for the size cap. Callers
// supply this per cache since the right estimator depends on the value type
// (string, []byte, or something JSON-shaped).
type SizeFunc[V any] func(v V) int

// Cache is a generic, LRU+TTL+size-capped cache. Zero value is not usable —
// construct with New.
type Cache[V any] struct {
	mu        sync.Mutex
	entries   map[string]*entry[V]
	order     *list.List // front = most recently used
	maxCount  int
	maxSize   int
	totalSize int
	ttl       time.Duration
	sizeFn    SizeFunc[V]

	stopCleanup chan struct{}
}

// Config controls a Cache's capacity and eviction policy.
type Config[V any] struct {
	MaxCount int
	MaxSize  int // bytes, 0 disables the size cap
	TTL      time.Duration
	SizeFn   SizeFunc[V]
}

// New constructs a Cache and starts its background cleanup goroutine.
func New[V any](cfg Config[V]) *Cache[V] {
	c := &Cache[V]{
		entries:     map[string]*entry[V]{},
		order:       list.New(),
		maxCount:    cfg.MaxCount,
		maxSize:     cfg.MaxSize,
		ttl:         cfg.TTL,
		sizeFn:      cfg.SizeFn,
		stopCleanup: make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// StringSize estimates a string's footprint at 2 bytes per character, the
// spec's documented estimator for text values.
func StringSize(s string) int { return len(s) * 2 }

// BytesSize estimates a byte slice's footprint as its literal length.
func BytesSize(b []byte) int { return len(b) }

func (c *Cache[V]) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call once.
func (c *Cache[V]) Close() { close(c.stopCleanup) }

// Set stores value under key with this cache's TTL, then evicts LRU entries
// as needed to satisfy the count and size caps.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := 0
	if c.sizeFn != nil {
		size = c.sizeFn(value)
	}

	if old, ok := c.entries[key]; ok {
		c.totalSize -= old.size
		c.order.Remove(old.listElem)
		delete(c.entries, key)
	}

	e := &entry[V]{key: key, value: value, size: size}
	if c.ttl > 0 {
		e.expiresAt = time.Now().Add(c.ttl)
	}
	e.listElem = c.order.PushFront(e)
	c.entries[key] = e
	c.totalSize += size

	c.evictLocked()
}

func (c *Cache[V]) evictLocked() {
	for (c.maxCount > 0 && len(c.entries) > c.maxCount) || (c.maxSize > 0 && c.totalSize > c.maxSize) {
		back := c.order.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry[V])
		c.order.Remove(back)
		delete(c.entries, e.key)
		c.totalSize -= e.size
	}
}

// Get returns the cached value for key, promoting it to most-recently-used.
// Expired entries are treated as absent and removed.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.removeLocked(e)
		var zero V
		return zero, false
	}
	c.order.MoveToFront(e.listElem)
	return e.value, true
}

// Has reports whether key is present and unexpired, without affecting
// recency order.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	return e.expiresAt.IsZero() || time.Now().Before(e.expiresAt)
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

func (c *Cache[V]) removeLocked(e *entry[V]) {
	c.order.Remove(e.listElem)
	delete(c.entries, e.key)
	c.totalSize -= e.size
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]*entry[V]{}
	c.order.Init()
	c.totalSize = 0
}

// Cleanup removes every expired entry, independent of capacity pressure.
func (c *Cache[V]) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for _, e := range c.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			c.removeLocked(e)
		}
	}
}

// Stats returns a snapshot of the cache's current occupancy.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Count:     len(c.entries),
		TotalSize: c.totalSize,
		MaxCount:  c.maxCount,
		MaxSize:   c.maxSize,
	}
}
