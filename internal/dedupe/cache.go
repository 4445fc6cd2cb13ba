// ABOUTME: Thread-safe TTL cache mapping client draft ids to stored message ids
// ABOUTME: Lets retried sends find their original message without a database round trip

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the value, its write time and its list position.
type cacheEntry struct {
	key       string
	value     string
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited map from string keys to
// string values. Entries are evicted oldest-first when the cache is full and
// dropped once older than the TTL. A miss is never authoritative: callers must
// fall back to the store.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum number of entries.
// A background goroutine periodically removes expired entries until Close.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Key builds the cache key for a client message id within a conversation.
func Key(conversationID, clientMessageID string) string {
	return conversationID + "\x00" + clientMessageID
}

// Get returns the value stored for key if present and not expired.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(entry.timestamp) >= c.ttl {
		c.removeLocked(entry)
		return "", false
	}
	return entry.value, true
}

// Put stores value under key, refreshing its TTL. If the cache is at
// capacity the oldest entry is evicted to make room.
func (c *Cache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, exists := c.entries[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.removeLocked(front.Value.(*cacheEntry))
		}
	}

	entry := &cacheEntry{key: key, value: value, timestamp: now}
	entry.element = c.order.PushBack(entry)
	c.entries[key] = entry
}

// Len returns the number of entries, including expired ones not yet cleaned up.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// removeLocked drops an entry. Must be called with mu held.
func (c *Cache) removeLocked(entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.entries, entry.key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes expired entries. Insertion order equals write order, so
// it can stop at the first live entry.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		entry := front.Value.(*cacheEntry)
		if now.Sub(entry.timestamp) < c.ttl {
			return
		}
		c.removeLocked(entry)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
