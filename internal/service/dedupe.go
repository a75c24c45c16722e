package service

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys for a TTL, bounded to max entries.
type DedupeCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	max  int
	seen map[string]time.Time
	now  func() time.Time
}

// NewDedupeCache creates a cache.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 5000
	}
	return &DedupeCache{ttl: ttl, max: max, seen: make(map[string]time.Time), now: time.Now}
}

// IsDuplicate records key and reports whether it was already seen within the TTL.
func (c *DedupeCache) IsDuplicate(key string) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	if len(c.seen) >= c.max {
		c.evict(now)
	}
	c.seen[key] = now
	return false
}

// Forget drops key so a redelivery of it is processed again.
func (c *DedupeCache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, key)
}

// evict drops expired keys, then the oldest key if still full.
func (c *DedupeCache) evict(now time.Time) {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
			continue
		}
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = k, at
		}
	}
	if len(c.seen) >= c.max && oldestKey != "" {
		delete(c.seen, oldestKey)
	}
}
