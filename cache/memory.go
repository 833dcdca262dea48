package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry is a single cache record. An entry whose expiry has passed is
// logically absent even before the janitor reclaims it.
type entry struct {
	key       string
	value     []byte
	createdAt time.Time
	expiresAt time.Time // zero means no expiry
	version   uint64
	element   *list.Element
}

// expired reports whether the entry's TTL has elapsed at the given instant.
func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache is a bounded in-process key/value store with per-entry TTL
// and LRU eviction. All operations are O(1) amortized and safe for
// concurrent use.
//
// Values are stored and returned by reference; callers must not mutate the
// byte slices they pass in or get back.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used
	maxSize int

	versions uint64 // monotonic entry version counter

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// NewMemoryCache creates a cache bounded to maxSize entries.
// A non-positive maxSize falls back to DefaultMaxSize.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &MemoryCache{
		entries: make(map[string]*entry),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves the value for key and marks it as most recently used.
// The second return is false when the key is absent or expired; an expired
// entry is removed on the spot.
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	if e.expired(time.Now()) {
		c.removeLocked(e)
		c.expirations++
		c.misses++
		return nil, false
	}

	c.lru.MoveToFront(e.element)
	c.hits++
	return e.value, true
}

// Set stores value under key with the given TTL, overwriting any previous
// entry. A non-positive ttl stores the value without expiry. Inserting
// beyond capacity evicts the least recently used entry.
func (c *MemoryCache) Set(key string, value []byte, ttl time.Duration) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.versions++

	if existing, ok := c.entries[key]; ok {
		existing.value = value
		existing.createdAt = now
		existing.version = c.versions
		if ttl > 0 {
			existing.expiresAt = now.Add(ttl)
		} else {
			existing.expiresAt = time.Time{}
		}
		c.lru.MoveToFront(existing.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	e := &entry{
		key:       key,
		value:     value,
		createdAt: now,
		version:   c.versions,
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	e.element = c.lru.PushFront(e)
	c.entries[key] = e
}

// Delete removes key from the cache. Removing an absent key is a no-op.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Version returns the version counter of the live entry for key, or zero
// when the key is absent or expired. Versions increase monotonically across
// all writes, so a newer write always carries a higher version.
func (c *MemoryCache) Version(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		return 0
	}
	return e.version
}

// Len returns the number of entries currently held, including entries that
// have expired but not yet been reclaimed.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes every expired entry and returns how many were reclaimed.
// Expiry is already enforced lazily on Get; Sweep exists so memory is
// reclaimed for entries nobody asks for again.
func (c *MemoryCache) Sweep() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*entry
	for _, e := range c.entries {
		if e.expired(now) {
			expired = append(expired, e)
		}
	}

	for _, e := range expired {
		c.removeLocked(e)
		c.expirations++
	}
	return len(expired)
}

// Stats returns a snapshot of the cache counters.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Size:        len(c.entries),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// evictOldestLocked removes the least recently used entry.
// Must be called with mu held.
func (c *MemoryCache) evictOldestLocked() {
	oldest := c.lru.Back()
	if oldest == nil {
		return
	}
	c.removeLocked(oldest.Value.(*entry))
	c.evictions++
}

// removeLocked unlinks an entry from both tracking structures.
// Must be called with mu held.
func (c *MemoryCache) removeLocked(e *entry) {
	c.lru.Remove(e.element)
	delete(c.entries, e.key)
}
