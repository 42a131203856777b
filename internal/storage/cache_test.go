package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache[int](2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)

	_, _ = c.Get("a") // a becomes most recent
	c.Set("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "b should be evicted")

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())
}

func TestLRUCache_Expiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewLRUCache[string](10, time.Minute).WithClock(func() time.Time { return now })

	c.Set("k", "v")
	c.Set("k2", "v2")

	now = now.Add(30 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)

	assert.Equal(t, 1, c.CleanupExpired())
	assert.Equal(t, 0, c.Len())
}

func TestLRUCache_UpdateAndDelete(t *testing.T) {
	c := NewLRUCache[int](3, time.Minute)
	c.Set("x", 1)
	c.Set("x", 5)

	v, _ := c.Get("x")
	assert.Equal(t, 5, v)
	assert.Equal(t, 1, c.Len())

	c.Delete("x")
	_, ok := c.Get("x")
	assert.False(t, ok)

	c.Set("y", 1)
	c.Clear()
	assert.Equal(t, CacheStats{Capacity: 3, Size: 0, TTL: time.Minute}, c.GetStats())
}
