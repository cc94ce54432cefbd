// ABOUTME: Tests for the TTL result cache backing duplicate-turn suppression
// ABOUTME: Validates TTL expiration, size limits, eviction order, and concurrency safety

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Get_Missing(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	_, ok := cache.Get("never-stored")
	assert.False(t, ok)
}

func TestCache_PutAndGet(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	cache.Put("msg-1", "result-1")

	got, ok := cache.Get("msg-1")
	assert.True(t, ok)
	assert.Equal(t, "result-1", got)
}

func TestCache_Get_Expired(t *testing.T) {
	cache := New[string](10*time.Millisecond, 100)
	defer cache.Close()

	cache.Put("expiring", "result")

	_, ok := cache.Get("expiring")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = cache.Get("expiring")
	assert.False(t, ok)
}

func TestCache_Put_Refreshes(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	cache.Put("msg-1", "old")
	cache.Put("msg-1", "new")

	got, ok := cache.Get("msg-1")
	assert.True(t, ok)
	assert.Equal(t, "new", got)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := New[int](5*time.Minute, 3)
	defer cache.Close()

	cache.Put("a", 1)
	cache.Put("b", 2)
	cache.Put("c", 3)
	cache.Put("d", 4)

	_, ok := cache.Get("a")
	assert.False(t, ok, "oldest entry should be evicted")

	for _, key := range []string{"b", "c", "d"} {
		_, ok := cache.Get(key)
		assert.True(t, ok, "key %s should survive", key)
	}
}

func TestCache_RefreshMovesToBack(t *testing.T) {
	cache := New[int](5*time.Minute, 3)
	defer cache.Close()

	cache.Put("a", 1)
	cache.Put("b", 2)
	cache.Put("c", 3)

	// Refreshing "a" makes "b" the eviction candidate
	cache.Put("a", 10)
	cache.Put("d", 4)

	_, ok := cache.Get("b")
	assert.False(t, ok)
	got, ok := cache.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 10, got)
}

func TestCache_RunCleanup(t *testing.T) {
	cache := New[string](10*time.Millisecond, 100)
	defer cache.Close()

	cache.Put("stale", "result")
	time.Sleep(20 * time.Millisecond)

	cache.runCleanup()
	assert.Equal(t, 0, cache.Len())
}

func TestCache_Concurrency(t *testing.T) {
	cache := New[int](5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", n%10)
			cache.Put(key, n)
			cache.Get(key)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, cache.Len())
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New[string](time.Minute, 10)
	cache.Close()
	cache.Close()
}
