package repository

import (
	"sync"
	"time"

	"github.com/haulware/docsync/internal/document"
)

const (
	defaultDedupTTL        = 5 * time.Minute
	defaultDedupMaxEntries = 100
)

// WriteDedupCacheConfig configures the short-lived write cache.
type WriteDedupCacheConfig struct {
	TTL        time.Duration
	MaxEntries int
	// VolatileFields extends the metadata fields ignored during comparison
	// with caller-specific timestamp field names.
	VolatileFields []string
	Clock          func() time.Time
}

type dedupEntry struct {
	fields    map[string]any
	timestamp time.Time
}

// WriteDedupCache remembers recently written payloads so an unchanged save
// can skip the remote store. Skipping a write is a pure optimization: it must
// never change observable read results. The cache is shared process-wide by
// every repository instance.
type WriteDedupCache struct {
	mu         sync.Mutex
	entries    map[string]dedupEntry
	ttl        time.Duration
	maxEntries int
	volatile   []string
	clock      func() time.Time
}

// NewWriteDedupCache constructs the cache with sane defaults.
func NewWriteDedupCache(cfg WriteDedupCacheConfig) *WriteDedupCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultDedupMaxEntries
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &WriteDedupCache{
		entries:    make(map[string]dedupEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		volatile:   append([]string(nil), cfg.VolatileFields...),
		clock:      clock,
	}
}

// ShouldWrite reports whether a remote write is needed: the key is unknown,
// the entry has expired, the payload differs from the cached one, or the
// caller forced the update.
func (c *WriteDedupCache) ShouldWrite(key string, fields map[string]any) bool {
	if document.HasForceUpdate(fields) {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return true
	}
	if c.clock().Sub(entry.timestamp) > c.ttl {
		delete(c.entries, key)
		return true
	}
	return !document.Equal(fields, entry.fields, c.volatile...)
}

// MarkWritten records a successful write. Expired entries are swept
// opportunistically once the cache grows past its limit.
func (c *WriteDedupCache) MarkWritten(key string, fields map[string]any) {
	snapshot := make(map[string]any, len(fields))
	for name, value := range fields {
		snapshot[name] = value
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	c.entries[key] = dedupEntry{fields: snapshot, timestamp: now}

	if len(c.entries) > c.maxEntries {
		for cachedKey, entry := range c.entries {
			if now.Sub(entry.timestamp) > c.ttl {
				delete(c.entries, cachedKey)
			}
		}
	}
}

// Forget drops one key. Deletes call this so a later save of the same
// payload still reaches the remote store.
func (c *WriteDedupCache) Forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear drops every cached entry.
func (c *WriteDedupCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]dedupEntry)
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *WriteDedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
