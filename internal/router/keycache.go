// ABOUTME: Bounded TTL cache for session-key resolutions
// ABOUTME: Insertion-ordered eviction keeps long-running processes from accumulating entries

package router

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/coven-deck/internal/store"
)

// Cache bounds. Session keys are immutable identifiers, so the TTL exists
// only to stop a long-running process from accumulating entries forever,
// not because a mapping can go stale.
const (
	keyCacheTTL     = 12 * time.Hour
	keyCacheMaxSize = 4096
)

// cacheEntry stores the resolution, timestamp and list element for a key.
type cacheEntry struct {
	ref       *store.SessionRef
	timestamp time.Time
	element   *list.Element
}

// keyCache is a thread-safe, TTL-based, size-limited cache of session-key
// resolutions. A doubly-linked list maintains insertion order for O(1)
// eviction. Expired entries are dropped lazily on lookup.
type keyCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
}

func newKeyCache(ttl time.Duration, maxSize int) *keyCache {
	return &keyCache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// get returns the cached resolution for key, if present and unexpired.
func (c *keyCache) get(key string) (*store.SessionRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.timestamp) > c.ttl {
		c.order.Remove(entry.element)
		delete(c.entries, key)
		return nil, false
	}
	return entry.ref, true
}

// put records a resolution. If the cache is at capacity, the oldest entry
// is evicted to make room.
func (c *keyCache) put(key string, ref *store.SessionRef) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[key]; exists {
		entry.ref = ref
		entry.timestamp = time.Now()
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{
		ref:       ref,
		timestamp: time.Now(),
		element:   elem,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *keyCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// len reports the entry count.
func (c *keyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
