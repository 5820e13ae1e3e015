package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedSource counts fetches and can hold them until released.
type gatedSource struct {
	calls   atomic.Int32
	version atomic.Int32
	gate    chan struct{}
	err     error
}

func (s *gatedSource) fetch(ctx context.Context, key string) (string, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("%s@v%d", key, s.version.Load()), nil
}

func waitForState(t *testing.T, c *MonthCache[string], key string, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State(key) == want },
		time.Second, time.Millisecond, "state of %s never became %s", key, want)
}

func TestMonthCacheServesFreshWithoutFetching(t *testing.T) {
	src := &gatedSource{}
	c := NewMonthCache(src.fetch, MonthCacheConfig{})
	ctx := context.Background()

	assert.Equal(t, StateEmpty, c.State("2024-01"))

	first, err := c.Get(ctx, "2024-01")
	require.NoError(t, err)
	assert.Equal(t, "2024-01@v0", first.Value)
	assert.False(t, first.Dirty)
	assert.Equal(t, StateFresh, c.State("2024-01"))

	src.version.Store(1)
	second, err := c.Get(ctx, "2024-01")
	require.NoError(t, err)
	assert.Equal(t, "2024-01@v0", second.Value)
	assert.EqualValues(t, 1, src.calls.Load())
}

func TestMonthCacheInvalidateForcesRefetch(t *testing.T) {
	src := &gatedSource{}
	c := NewMonthCache(src.fetch, MonthCacheConfig{})
	ctx := context.Background()

	_, err := c.Get(ctx, "2024-01")
	require.NoError(t, err)
	_, err = c.Get(ctx, "2024-02")
	require.NoError(t, err)

	src.version.Store(1)
	c.Invalidate("2024-01")
	assert.Equal(t, StateStale, c.State("2024-01"))
	assert.Equal(t, StateFresh, c.State("2024-02"))

	stale, ok := c.Peek("2024-01")
	require.True(t, ok)
	assert.True(t, stale.Dirty)
	assert.Equal(t, "2024-01@v0", stale.Value)

	e, err := c.Get(ctx, "2024-01")
	require.NoError(t, err)
	assert.Equal(t, "2024-01@v1", e.Value)

	c.InvalidateAll()
	assert.Equal(t, StateStale, c.State("2024-01"))
	assert.Equal(t, StateStale, c.State("2024-02"))

	e, err = c.Refresh(ctx, "2024-02")
	require.NoError(t, err)
	assert.Equal(t, "2024-02@v1", e.Value)
	assert.EqualValues(t, 4, src.calls.Load())
}

func TestMonthCacheConcurrentReadersShareOneFetch(t *testing.T) {
	src := &gatedSource{gate: make(chan struct{})}
	c := NewMonthCache(src.fetch, MonthCacheConfig{})

	const readers = 10
	var wg sync.WaitGroup
	results := make(chan Entry[string], readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.Get(context.Background(), "2024-03")
			if err == nil {
				results <- e
			}
		}()
	}

	waitForState(t, c, "2024-03", StateFetching)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()
	close(results)

	count := 0
	for e := range results {
		assert.Equal(t, "2024-03@v0", e.Value)
		count++
	}
	assert.Equal(t, readers, count)
	assert.EqualValues(t, 1, src.calls.Load())
	assert.Equal(t, StateFresh, c.State("2024-03"))
}

func TestMonthCacheInvalidationBeatsInFlightFetch(t *testing.T) {
	src := &gatedSource{gate: make(chan struct{})}
	c := NewMonthCache(src.fetch, MonthCacheConfig{})
	ctx := context.Background()

	before := make(chan Entry[string], 1)
	go func() {
		e, _ := c.Get(ctx, "2024-04")
		before <- e
	}()
	waitForState(t, c, "2024-04", StateFetching)

	// A write lands while the old fetch is still running.
	src.version.Store(1)
	c.Invalidate("2024-04")

	after := make(chan Entry[string], 1)
	go func() {
		e, _ := c.Get(ctx, "2024-04")
		after <- e
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 2 }, time.Second, time.Millisecond,
		"a read after invalidation must not join the older fetch")

	close(src.gate)
	old := <-before
	assert.True(t, old.Dirty)
	fresh := <-after
	assert.False(t, fresh.Dirty)
	assert.Equal(t, "2024-04@v1", fresh.Value)

	e, err := c.Get(ctx, "2024-04")
	require.NoError(t, err)
	assert.Equal(t, "2024-04@v1", e.Value)
	assert.Equal(t, StateFresh, c.State("2024-04"))
}

func TestMonthCacheTTL(t *testing.T) {
	src := &gatedSource{}
	c := NewMonthCache(src.fetch, MonthCacheConfig{TTL: time.Minute})
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	_, err := c.Get(ctx, "2024-01")
	require.NoError(t, err)

	clock = clock.Add(30 * time.Second)
	assert.Equal(t, StateFresh, c.State("2024-01"))

	clock = clock.Add(time.Minute)
	assert.Equal(t, StateStale, c.State("2024-01"))

	_, err = c.Get(ctx, "2024-01")
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestMonthCacheFetchError(t *testing.T) {
	src := &gatedSource{err: errors.New("offline")}
	c := NewMonthCache(src.fetch, MonthCacheConfig{})
	ctx := context.Background()

	_, err := c.Get(ctx, "2024-01")
	require.EqualError(t, err, "offline")
	assert.Equal(t, StateEmpty, c.State("2024-01"))

	src.err = nil
	e, err := c.Get(ctx, "2024-01")
	require.NoError(t, err)
	assert.Equal(t, "2024-01@v0", e.Value)
}

func TestMonthCacheCancelledReaderLeavesFetchRunning(t *testing.T) {
	src := &gatedSource{gate: make(chan struct{})}
	c := NewMonthCache(src.fetch, MonthCacheConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "2024-05")
		done <- err
	}()
	waitForState(t, c, "2024-05", StateFetching)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(src.gate)
	waitForState(t, c, "2024-05", StateFresh)
	e, ok := c.Peek("2024-05")
	require.True(t, ok)
	assert.Equal(t, "2024-05@v0", e.Value)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "empty", StateEmpty.String())
	assert.Equal(t, "fetching", StateFetching.String())
	assert.Equal(t, "fresh", StateFresh.String())
	assert.Equal(t, "stale", StateStale.String())
	assert.Equal(t, "State(9)", State(9).String())
}
