package tiergate

import (
	"sync"
	"time"
)

// TierCache defines the interface for caching resolved tiers to reduce
// storage backend load on hot paths like page middleware.
type TierCache interface {
	// GetResolution retrieves a cached resolution for a user.
	// Returns the resolution and true if found, nil and false otherwise.
	GetResolution(userID string) (*Resolution, bool)

	// SetResolution stores a resolution in the cache with TTL.
	SetResolution(userID string, res *Resolution, ttl time.Duration)

	// InvalidateResolution removes a user's cached resolution.
	InvalidateResolution(userID string)

	// Clear removes all entries from the cache.
	Clear()

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// cacheEntry wraps a cached value with expiration time and access time for LRU.
type cacheEntry struct {
	value      *Resolution
	expiration time.Time
	accessTime time.Time // For LRU eviction
	sequence   int64     // For tiebreaking when access times are equal
}

func (e *cacheEntry) isExpired() bool {
	return time.Now().After(e.expiration)
}

// NoopCache is a cache implementation that does nothing.
// Used when caching is disabled.
type NoopCache struct{}

// NewNoopCache creates a new no-op cache.
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) GetResolution(_ string) (*Resolution, bool) {
	return nil, false
}

func (c *NoopCache) SetResolution(_ string, _ *Resolution, _ time.Duration) {}

func (c *NoopCache) InvalidateResolution(_ string) {}

func (c *NoopCache) Clear() {}

func (c *NoopCache) Stats() CacheStats {
	return CacheStats{}
}

// LRUCache implements TierCache using an in-memory LRU cache with TTL support.
type LRUCache struct {
	entries    map[string]*cacheEntry
	maxEntries int
	mu         sync.RWMutex
	hits       int64
	misses     int64
	evictions  int64
	sequence   int64 // For tiebreaking when access times are equal
}

// NewLRUCache creates a new LRU cache with the specified maximum size.
func NewLRUCache(maxEntries int) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 10000 // default
	}

	return &LRUCache{
		entries:    make(map[string]*cacheEntry, maxEntries),
		maxEntries: maxEntries,
	}
}

func (c *LRUCache) GetResolution(userID string) (*Resolution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[userID]
	if !exists || entry.isExpired() {
		c.misses++
		return nil, false
	}

	// Update access time for LRU
	entry.accessTime = time.Now()

	c.hits++
	// Return a copy to prevent external modifications
	return &Resolution{
		Tier:   entry.value.Tier,
		Source: entry.value.Source,
	}, true
}

func (c *LRUCache) SetResolution(userID string, res *Resolution, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	_, exists := c.entries[userID]

	// Evict if at capacity and entry doesn't exist
	if len(c.entries) >= c.maxEntries && !exists {
		// Evict least recently used (oldest accessTime, then oldest sequence)
		var oldestKey string
		var oldestTime time.Time
		var oldestSeq int64
		first := true
		for key, entry := range c.entries {
			if first || entry.accessTime.Before(oldestTime) ||
				(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
				oldestKey = key
				oldestTime = entry.accessTime
				oldestSeq = entry.sequence
				first = false
			}
		}
		if oldestKey != "" {
			delete(c.entries, oldestKey)
			c.evictions++
		}
	}

	seq := c.sequence
	c.sequence++
	c.entries[userID] = &cacheEntry{
		value:      res,
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
}

func (c *LRUCache) InvalidateResolution(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.maxEntries)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
