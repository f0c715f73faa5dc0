// Package cache provides a small TTL cache for remote listings.
package cache

import (
	"sync"
	"time"
)

// Entry represents a cached value
type Entry[V any] struct {
	Value     V
	ExpiresAt time.Time
	StaleAt   time.Time // after this the value is still served but flagged stale
}

// IsExpired returns true if the entry has expired
func (e *Entry[V]) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// IsStale returns true if the entry is stale but not expired
func (e *Entry[V]) IsStale() bool {
	now := time.Now()
	return now.After(e.StaleAt) && now.Before(e.ExpiresAt)
}

// Cache is a listing cache. Entries may be served stale for a while
// before they expire.
type Cache[V any] interface {
	// Get returns (value, found, stale).
	Get(key string) (V, bool, bool)
	Set(key string, value V, ttl time.Duration)
	SetWithStale(key string, value V, staleAfter, expireAfter time.Duration)
	Invalidate(key string)
	InvalidateAll()
	Stop()
}

// MemoryCache is an in-memory cache with TTL support
type MemoryCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]*Entry[V]

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewMemoryCache creates a cache whose expired entries are swept every
// cleanupInterval (one minute when zero).
func NewMemoryCache[V any](cleanupInterval time.Duration) *MemoryCache[V] {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	c := &MemoryCache[V]{
		entries:         make(map[string]*Entry[V]),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get retrieves a value from the cache
func (c *MemoryCache[V]) Get(key string) (V, bool, bool) {
	var zero V

	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return zero, false, false
	}

	if entry.IsExpired() {
		c.Invalidate(key)
		return zero, false, false
	}

	return entry.Value, true, entry.IsStale()
}

// Set stores a value with the given TTL
func (c *MemoryCache[V]) Set(key string, value V, ttl time.Duration) {
	c.SetWithStale(key, value, ttl, ttl)
}

// SetWithStale stores a value with separate stale and expire times
func (c *MemoryCache[V]) SetWithStale(key string, value V, staleAfter, expireAfter time.Duration) {
	now := time.Now()
	entry := &Entry[V]{
		Value:     value,
		StaleAt:   now.Add(staleAfter),
		ExpiresAt: now.Add(expireAfter),
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Invalidate removes an entry from the cache
func (c *MemoryCache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll removes all entries from the cache
func (c *MemoryCache[V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry[V])
	c.mu.Unlock()
}

func (c *MemoryCache[V]) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *MemoryCache[V]) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
		}
	}
}

// Stop stops the background cleanup goroutine. Safe to call multiple times.
func (c *MemoryCache[V]) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCleanup)
	})
}

// Len returns the number of entries in the cache
func (c *MemoryCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
