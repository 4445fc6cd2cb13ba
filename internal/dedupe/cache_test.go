// ABOUTME: Tests for the dedupe cache that maps client draft ids to stored message ids.
// ABOUTME: Validates TTL expiration, size limits, eviction order, cleanup, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, maxSize)
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_Get_Missing(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 100)

	_, ok := cache.Get("never-seen-key")
	assert.False(t, ok)
}

func TestCache_PutThenGet(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 100)

	cache.Put(Key("conv-1", "draft-1"), "msg-1")

	value, ok := cache.Get(Key("conv-1", "draft-1"))
	require.True(t, ok)
	assert.Equal(t, "msg-1", value)

	// Same draft id in another conversation is a different key
	_, ok = cache.Get(Key("conv-2", "draft-1"))
	assert.False(t, ok)
}

func TestCache_Get_Expired(t *testing.T) {
	cache, clock := newTestCache(t, time.Minute, 100)

	cache.Put("expiring-key", "v")
	clock.Advance(time.Minute)

	_, ok := cache.Get("expiring-key")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len(), "expired entry should be removed on read")
}

func TestCache_Put_RefreshesTimestamp(t *testing.T) {
	cache, clock := newTestCache(t, time.Minute, 100)

	cache.Put("key", "old")
	clock.Advance(50 * time.Second)
	cache.Put("key", "new")
	clock.Advance(50 * time.Second)

	value, ok := cache.Get("key")
	require.True(t, ok)
	assert.Equal(t, "new", value)
}

func TestCache_EvictionOrder(t *testing.T) {
	cache, _ := newTestCache(t, time.Hour, 3)

	cache.Put("a", "1")
	cache.Put("b", "2")
	cache.Put("c", "3")
	// Rewriting "a" makes "b" the oldest
	cache.Put("a", "1")
	cache.Put("d", "4")

	_, ok := cache.Get("b")
	assert.False(t, ok, "oldest entry should be evicted")
	for _, key := range []string{"a", "c", "d"} {
		_, ok := cache.Get(key)
		assert.True(t, ok, "key %s should survive", key)
	}
	assert.Equal(t, 3, cache.Len())
}

func TestCache_Cleanup(t *testing.T) {
	cache, clock := newTestCache(t, time.Minute, 100)

	cache.Put("old-1", "x")
	cache.Put("old-2", "x")
	clock.Advance(2 * time.Minute)
	cache.Put("fresh", "y")

	cache.runCleanup()

	assert.Equal(t, 1, cache.Len())
	_, ok := cache.Get("fresh")
	assert.True(t, ok)
}

func TestCache_Concurrent(t *testing.T) {
	cache, _ := newTestCache(t, time.Hour, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i%10)
			cache.Put(key, fmt.Sprintf("v-%d", i))
			cache.Get(key)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, cache.Len())
}

func TestCache_Close(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	// Second close must not panic
	cache.Close()
}

func TestCache_ZeroSizeHoldsOne(t *testing.T) {
	cache, _ := newTestCache(t, time.Hour, 0)

	cache.Put("a", "1")
	cache.Put("b", "2")

	assert.Equal(t, 1, cache.Len())
	value, ok := cache.Get("b")
	require.True(t, ok)
	assert.Equal(t, "2", value)
}
