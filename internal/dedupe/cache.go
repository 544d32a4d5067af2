// ABOUTME: TTL cache of recently seen keys, used to suppress duplicate gateway events.
// ABOUTME: Tracks resolved run ids and replayed chat.message broadcasts after reconnects.

package dedupe

import (
	"sync"
	"time"
)

// Cache is a thread-safe, TTL-based, size-limited set of seen keys.
// Expired entries are pruned lazily on writes; there is no background
// goroutine, so a Cache needs no Close.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]time.Time
	order   []string
	ttl     time.Duration
	maxSize int
}

// New creates a cache holding keys for ttl, capped at maxSize entries.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Check reports whether key was marked and has not expired.
func (c *Cache) Check(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	marked, ok := c.seen[key]
	return ok && time.Since(marked) < c.ttl
}

// Mark records key as seen, refreshing its TTL if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// CheckAndMark atomically checks key and marks it when new. Returns true
// if the key was already seen (a duplicate).
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if marked, ok := c.seen[key]; ok && time.Since(marked) < c.ttl {
		return true
	}
	c.markLocked(key)
	return false
}

// Len returns the current number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

func (c *Cache) markLocked(key string) {
	if _, exists := c.seen[key]; !exists {
		c.order = append(c.order, key)
	}
	c.seen[key] = time.Now()

	if len(c.seen) > c.maxSize {
		c.pruneLocked()
	}
}

// pruneLocked drops expired entries first, then evicts in insertion
// order until the cache fits.
func (c *Cache) pruneLocked() {
	now := time.Now()
	kept := c.order[:0]
	for _, key := range c.order {
		marked, ok := c.seen[key]
		if !ok {
			continue
		}
		if now.Sub(marked) >= c.ttl {
			delete(c.seen, key)
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept

	for len(c.seen) > c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
}
