// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"sync"
	"time"
)

// memoryCache is an in-memory implementation of Cache.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	stats   Stats
	onEvict EvictFunc
	janitor *janitor
}

type memEntry struct {
	value      Entry
	expiration time.Time
}

func (e *memEntry) isExpired() bool {
	return time.Now().After(e.expiration)
}

// NewMemoryCache creates an in-memory cache with periodic cleanup. The
// cleanupInterval determines how often expired entries are removed; zero
// disables the janitor. onEvict may be nil.
func NewMemoryCache(cleanupInterval time.Duration, onEvict EvictFunc) Cache {
	c := &memoryCache{
		entries: make(map[string]*memEntry),
		onEvict: onEvict,
	}

	if cleanupInterval > 0 {
		c.janitor = &janitor{
			interval: cleanupInterval,
			stop:     make(chan struct{}),
		}
		go c.janitor.run(c)
	}

	return c
}

func (c *memoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if !found || e.isExpired() {
		c.stats.Misses++
		return Entry{}, false, nil
	}

	c.stats.Hits++
	return e.value, true, nil
}

func (c *memoryCache) Set(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &memEntry{
		value:      entry,
		expiration: time.Now().Add(ttl),
	}
	c.stats.Sets++
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *memoryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.CurrentSize = len(c.entries)
	return stats
}

func (c *memoryCache) Close() error {
	if c.janitor != nil {
		close(c.janitor.stop)
	}
	return nil
}

// deleteExpired removes all expired entries, invoking the evict hook for
// each so the backing files go with them.
func (c *memoryCache) deleteExpired() int {
	c.mu.Lock()

	count := 0
	var evicted []Entry
	for key, entry := range c.entries {
		if entry.isExpired() {
			delete(c.entries, key)
			evicted = append(evicted, entry.value)
			count++
		}
	}
	c.stats.Evictions += int64(count)
	c.mu.Unlock()

	// Hook runs outside the lock; it may touch the filesystem.
	if c.onEvict != nil {
		for _, e := range evicted {
			c.onEvict(e)
		}
	}
	return count
}

// janitor performs periodic cleanup of expired entries.
type janitor struct {
	interval time.Duration
	stop     chan struct{}
}

func (j *janitor) run(c *memoryCache) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-j.stop:
			return
		}
	}
}
