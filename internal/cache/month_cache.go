package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// State is where a key sits in the read-through cycle
// Empty → Fetching → Fresh → Stale → Fetching → Fresh.
type State int

const (
	StateEmpty State = iota
	StateFetching
	StateFresh
	StateStale
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFetching:
		return "fetching"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Entry is one cached value with its freshness bookkeeping.
type Entry[T any] struct {
	Key       string
	Value     T
	FetchedAt time.Time
	// Dirty is set by invalidation; a dirty entry is never served as fresh.
	Dirty bool

	generation uint64
}

// FetchFunc loads the value for a key from the source of truth.
type FetchFunc[T any] func(ctx context.Context, key string) (T, error)

// MonthCacheConfig bounds a MonthCache.
type MonthCacheConfig struct {
	// MaxEntries caps how many keys are retained. Defaults to 24.
	MaxEntries int
	// TTL marks an entry stale after this long. 0 means entries only go
	// stale through invalidation.
	TTL time.Duration
	// Retention drops entries entirely after this long. 0 keeps them until
	// evicted for space.
	Retention time.Duration
}

// MonthCache is a read-through cache keyed by month. At most one fetch per key
// is in flight; concurrent readers share it. Invalidation always wins over a
// fetch that started before it.
type MonthCache[T any] struct {
	fetch   FetchFunc[T]
	entries *LRUCache[Entry[T]]
	ttl     time.Duration
	group   singleflight.Group
	now     func() time.Time

	mu       sync.Mutex
	epoch    uint64
	gens     map[string]uint64
	inFlight map[string]int
}

func NewMonthCache[T any](fetch FetchFunc[T], cfg MonthCacheConfig) *MonthCache[T] {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 24
	}
	return &MonthCache[T]{
		fetch:    fetch,
		entries:  NewLRUCache[Entry[T]](cfg.MaxEntries, cfg.Retention),
		ttl:      cfg.TTL,
		now:      time.Now,
		gens:     make(map[string]uint64),
		inFlight: make(map[string]int),
	}
}

// generation must be called with mu held.
func (c *MonthCache[T]) generation(key string) uint64 {
	return c.epoch + c.gens[key]
}

func (c *MonthCache[T]) fresh(e Entry[T]) bool {
	if e.Dirty {
		return false
	}
	return c.ttl <= 0 || c.now().Sub(e.FetchedAt) < c.ttl
}

// Get serves the entry when it is fresh and otherwise fetches it, waiting for
// the result. A cancelled ctx stops the wait but not a fetch other readers
// share.
func (c *MonthCache[T]) Get(ctx context.Context, key string) (Entry[T], error) {
	c.mu.Lock()
	if e, ok := c.entries.Get(key); ok && c.fresh(e) {
		c.mu.Unlock()
		return e, nil
	}
	gen := c.generation(key)
	c.mu.Unlock()

	return c.load(ctx, key, gen)
}

func (c *MonthCache[T]) load(ctx context.Context, key string, gen uint64) (Entry[T], error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fmt.Sprintf("%s#%d", key, gen), func() (any, error) {
		c.mu.Lock()
		c.inFlight[key]++
		c.mu.Unlock()

		value, err := c.fetch(fetchCtx, key)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.inFlight[key]--; c.inFlight[key] <= 0 {
			delete(c.inFlight, key)
		}
		if err != nil {
			return nil, err
		}
		return c.store(key, value, gen), nil
	})

	select {
	case <-ctx.Done():
		return Entry[T]{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry[T]{}, res.Err
		}
		return res.Val.(Entry[T]), nil
	}
}

// store must be called with mu held.
func (c *MonthCache[T]) store(key string, value T, gen uint64) Entry[T] {
	e := Entry[T]{
		Key:        key,
		Value:      value,
		FetchedAt:  c.now(),
		Dirty:      gen != c.generation(key),
		generation: gen,
	}
	if prev, ok := c.entries.Peek(key); ok && prev.generation > gen {
		// A newer fetch already landed; keep it.
		return e
	}
	c.entries.Set(key, e)
	return e
}

// Refresh invalidates the key and fetches it again.
func (c *MonthCache[T]) Refresh(ctx context.Context, key string) (Entry[T], error) {
	c.Invalidate(key)
	return c.Get(ctx, key)
}

// Invalidate marks the key stale. Fetches already in flight for it will not
// be served as fresh.
func (c *MonthCache[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[key]++
	c.entries.Update(key, markDirty[T])
}

// InvalidateAll marks every key stale.
func (c *MonthCache[T]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	for _, key := range c.entries.Keys() {
		c.entries.Update(key, markDirty[T])
	}
}

func markDirty[T any](e Entry[T]) Entry[T] {
	e.Dirty = true
	return e
}

// State reports where the key sits in the read-through cycle.
func (c *MonthCache[T]) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[key] > 0 {
		return StateFetching
	}
	e, ok := c.entries.Peek(key)
	switch {
	case !ok:
		return StateEmpty
	case c.fresh(e):
		return StateFresh
	default:
		return StateStale
	}
}

// Peek returns whatever is held for the key, fresh or not, without fetching.
// Screens use it to show the last known numbers while a refetch runs.
func (c *MonthCache[T]) Peek(key string) (Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Peek(key)
}

// CleanExpired drops entries past their retention.
func (c *MonthCache[T]) CleanExpired() int {
	return c.entries.CleanExpired()
}

// Len returns how many keys are held.
func (c *MonthCache[T]) Len() int {
	return c.entries.Size()
}
