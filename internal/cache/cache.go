// Package cache provides the TTL-bounded in-memory cache shared by the rule
// evaluation cache and the query result cache. Entries expire lazily on read
// and in bulk via Sweep, which the owning engine drives on its own cadence.
package cache

import (
	"sync"
	"time"
)

// Entry is a cached item with its expiry metadata.
type Entry struct {
	Value     interface{} `json:"value"`
	ExpiresAt time.Time   `json:"expires_at"`
	CreatedAt time.Time   `json:"created_at"`
	HitCount  int         `json:"hit_count"`
}

// IsExpired checks if the cache entry has expired
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache is a size-bounded TTL map. When full, the entry closest to expiry is
// evicted to make room.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	maxSize int
	ttl     time.Duration
}

// New creates a cache holding at most maxSize entries with the given default
// TTL.
func New(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		entries: make(map[string]*Entry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get retrieves a value from the cache. Expired entries are removed on read.
func (c *Cache) Get(key string) (interface{}, bool) {
	entry, ok := c.GetEntry(key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetEntry retrieves the full entry, including its creation time. The rule
// cache uses the creation timestamp for its last-writer-wins guard.
func (c *Cache) GetEntry(key string) (*Entry, bool) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if entry.IsExpired() {
		c.mu.Lock()
		// Re-check under the write lock; a writer may have replaced it.
		if cur, ok := c.entries[key]; ok && cur.IsExpired() {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	entry.HitCount++
	c.mu.Unlock()

	return entry, true
}

// Set stores a value with the default TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value with a specific TTL.
func (c *Cache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictSoonestLocked()
	}

	c.entries[key] = &Entry{
		Value:     value,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
}

// SetIfNewer stores a value only if no fresher entry exists for the key.
// Cache writers racing on the same key resolve last-writer-wins by creation
// timestamp: a write carrying an older timestamp is ignored.
func (c *Cache) SetIfNewer(key string, value interface{}, createdAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, exists := c.entries[key]; exists && cur.CreatedAt.After(createdAt) {
		return false
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictSoonestLocked()
	}

	c.entries[key] = &Entry{
		Value:     value,
		ExpiresAt: createdAt.Add(c.ttl),
		CreatedAt: createdAt,
	}
	return true
}

// evictSoonestLocked removes the entry closest to expiry. Caller holds the
// write lock.
func (c *Cache) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for key, entry := range c.entries {
		if victim == "" || entry.ExpiresAt.Before(soonest) {
			victim = key
			soonest = entry.ExpiresAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}

// Delete removes an entry.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
}

// Len returns the number of entries, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
