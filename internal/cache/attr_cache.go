package cache

import (
	"strings"
	"sync"
	"syscall"
	"time"
)

// AttrCache caches remote stat results with TTL-based expiration.
// Keys are mount-relative paths.
//
// Thread-safe: Uses RWMutex for concurrent access.
type AttrCache struct {
	mu      sync.RWMutex
	entries map[string]*attrEntry
	ttl     time.Duration
	maxSize int

	hits   uint64
	misses uint64
}

type attrEntry struct {
	st      syscall.Stat_t
	expires time.Time
}

// NewAttrCache creates a new attribute cache.
// ttl: Time-to-live for cached entries (use 0 for no expiration)
// maxSize: Maximum number of entries (use 0 for unlimited)
func NewAttrCache(ttl time.Duration, maxSize int) *AttrCache {
	return &AttrCache{
		entries: make(map[string]*attrEntry, 256),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get returns a copy of the cached attributes for path.
func (c *AttrCache) Get(path string) (syscall.Stat_t, bool) {
	if Disabled {
		return syscall.Stat_t{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[path]
	if !ok || (c.ttl > 0 && time.Now().After(entry.expires)) {
		c.misses++
		return syscall.Stat_t{}, false
	}
	c.hits++
	return entry.st, true
}

// Set stores attributes for a path. New paths are dropped once maxSize is reached.
func (c *AttrCache) Set(path string, st *syscall.Stat_t) {
	if Disabled || st == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if _, exists := c.entries[path]; !exists {
			return
		}
	}

	var expires time.Time
	if c.ttl > 0 {
		expires = time.Now().Add(c.ttl)
	}
	c.entries[path] = &attrEntry{st: *st, expires: expires}
}

// Invalidate clears all entries from the cache.
func (c *AttrCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		c.entries = make(map[string]*attrEntry, 256)
	}
}

// InvalidatePath removes a specific path from the cache.
func (c *AttrCache) InvalidatePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, path)
}

// InvalidatePrefix removes all paths under the given directory.
func (c *AttrCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	for path := range c.entries {
		if strings.HasPrefix(path, prefix) {
			delete(c.entries, path)
		}
	}
}

// InvalidateRename invalidates both names of a renamed entry and anything below them.
func (c *AttrCache) InvalidateRename(oldPath, newPath string) {
	c.InvalidatePath(oldPath)
	c.InvalidatePath(newPath)
	c.InvalidatePrefix(oldPath)
	c.InvalidatePrefix(newPath)
}

// AttrCacheStats describes the cache contents.
type AttrCacheStats struct {
	Size    int
	MaxSize int
	TTL     time.Duration
	Hits    uint64
	Misses  uint64
}

// Stats returns current cache statistics.
func (c *AttrCache) Stats() AttrCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return AttrCacheStats{
		Size:    len(c.entries),
		MaxSize: c.maxSize,
		TTL:     c.ttl,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}
