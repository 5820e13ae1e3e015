package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache[int](2, 0)
	c.Set("a", 1)
	c.Set("b", 2)

	_, _ = c.Get("a")
	c.Set("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "b was least recently used")
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Size())
	assert.Equal(t, []string{"a", "c"}, c.Keys())
}

func TestLRUCacheTTL(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewLRUCache[string](10, time.Minute)
	c.now = func() time.Time { return clock }

	c.Set("k", "v")
	clock = clock.Add(59 * time.Second)
	v, ok := c.Peek("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	clock = clock.Add(2 * time.Second)
	_, ok = c.Peek("k")
	assert.False(t, ok)
	assert.Equal(t, 1, c.CleanExpired())
	assert.Zero(t, c.Size())
}

func TestLRUCacheZeroTTLNeverExpires(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewLRUCache[string](10, 0)
	c.now = func() time.Time { return clock }

	c.Set("k", "v")
	clock = clock.AddDate(5, 0, 0)
	_, ok := c.Get("k")
	assert.True(t, ok)
	assert.Zero(t, c.CleanExpired())
}

func TestLRUCacheUpdateAndDelete(t *testing.T) {
	c := NewLRUCache[int](10, 0)
	assert.False(t, c.Update("missing", func(v int) int { return v + 1 }))

	c.Set("n", 41)
	assert.True(t, c.Update("n", func(v int) int { return v + 1 }))
	v, _ := c.Get("n")
	assert.Equal(t, 42, v)

	c.Delete("n")
	_, ok := c.Get("n")
	assert.False(t, ok)
}

type countingCleaner struct{ n int }

func (c *countingCleaner) CleanExpired() int { return c.n }

func TestManagerSweep(t *testing.T) {
	m := NewManager()
	m.Register(&countingCleaner{n: 2})
	m.Register(&countingCleaner{n: 3})

	var reported int
	m.OnClean(func(removed int) { reported = removed })

	assert.Equal(t, 5, m.Sweep())
	assert.Equal(t, 5, reported)
}

func TestManagerStop(t *testing.T) {
	idle := NewManager()
	idle.Stop()
	idle.Stop()

	running := NewManager()
	running.Register(&countingCleaner{})
	running.StartCleanup(time.Millisecond)
	running.StartCleanup(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	running.Stop()
}
