package bus

import (
	"sync"
	"time"
)

// DedupeCache suppresses duplicate inbound messages. Webhook retries and
// client double-taps deliver the same platform message id more than once;
// the first sighting wins, later ones are dropped.
type DedupeCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewDedupeCache creates a cache with the given entry TTL and size cap.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// IsDuplicate records the key and reports whether it was already seen
// within the TTL.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if ts, ok := c.seen[key]; ok && now.Sub(ts) < c.ttl {
		return true
	}

	if len(c.seen) >= c.maxSize {
		c.evictLocked(now)
	}
	c.seen[key] = now
	return false
}

// evictLocked removes expired entries; if that frees nothing, it removes
// the oldest entry so the cache never exceeds maxSize.
func (c *DedupeCache) evictLocked(now time.Time) {
	var oldestKey string
	var oldestTS time.Time
	for k, ts := range c.seen {
		if now.Sub(ts) >= c.ttl {
			delete(c.seen, k)
			continue
		}
		if oldestKey == "" || ts.Before(oldestTS) {
			oldestKey, oldestTS = k, ts
		}
	}
	if len(c.seen) >= c.maxSize && oldestKey != "" {
		delete(c.seen, oldestKey)
	}
}

// Len returns the current entry count.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
