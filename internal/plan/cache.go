package plan

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	planKey   Key
	expiresAt time.Time
}

// Cache is an in-process plan-key cache with a fixed TTL and a bounded
// entry count. It is injected into the Gate rather than living as
// package state, and is not shared across server instances.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]cacheEntry
	order   []string
	now     func() time.Time
}

func NewCache(ttl time.Duration, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Cache{
		ttl:     ttl,
		max:     maxEntries,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *Cache) Get(orgID string) (Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[orgID]
	if !ok {
		return "", false
	}
	if c.now().After(entry.expiresAt) {
		c.removeLocked(orgID)
		return "", false
	}
	return entry.planKey, true
}

func (c *Cache) Set(orgID string, planKey Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[orgID]; !exists {
		c.order = append(c.order, orgID)
	}
	c.entries[orgID] = cacheEntry{planKey: planKey, expiresAt: c.now().Add(c.ttl)}
	for len(c.entries) > c.max && len(c.order) > 0 {
		oldest := c.order[0]
		c.removeLocked(oldest)
	}
}

func (c *Cache) Invalidate(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(orgID)
}

func (c *Cache) removeLocked(orgID string) {
	delete(c.entries, orgID)
	for i, id := range c.order {
		if id == orgID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Sweep drops expired entries. Returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	now := c.now()
	for orgID, entry := range c.entries {
		if now.After(entry.expiresAt) {
			c.removeLocked(orgID)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until the context is cancelled. Started from
// main alongside the HTTP server.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
