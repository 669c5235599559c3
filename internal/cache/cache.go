// SPDX-License-Identifier: MIT

// Package cache stores completed-artifact references keyed by normalized
// URL plus constraint fingerprint, with TTL eviction.
package cache

import (
	"context"
	"time"
)

// Entry is the cached reference to a completed artifact.
type Entry struct {
	Path      string    `json:"path"`
	SHA256    string    `json:"sha256"`
	Size      int64     `json:"size"`
	MediaType string    `json:"media_type"`
	Origin    string    `json:"origin"`
	StoredAt  time.Time `json:"stored_at"`
}

// Stats holds cache performance counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Evictions   int64
	CurrentSize int
}

// Cache provides concurrency-safe artifact caching with expiration.
// Only the pipeline coordinator mutates it.
type Cache interface {
	// Get retrieves an entry. ok is false if absent or expired.
	Get(ctx context.Context, key string) (entry Entry, ok bool, err error)
	// Set stores an entry with the given TTL.
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	// Delete removes an entry.
	Delete(ctx context.Context, key string) error
	// Stats returns cache counters.
	Stats() Stats
	// Close releases backend resources.
	Close() error
}

// EvictFunc is called with each entry removed by TTL eviction so backing
// files can be deleted alongside the reference.
type EvictFunc func(Entry)
