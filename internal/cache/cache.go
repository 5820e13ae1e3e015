// Package cache holds the client-side read-through caches.
package cache

import (
	"sync"
	"time"
)

// Cache defines a generic cache interface
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, data T)
	Delete(key string)
	Size() int
}

var _ Cache[int] = (*LRUCache[int])(nil)

// Cleaner interface for caches that support cleanup
type Cleaner interface {
	CleanExpired() int
}

// Manager periodically drops expired entries from registered caches.
type Manager struct {
	mu          sync.Mutex
	caches      []Cleaner
	started     bool
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	stopOnce    sync.Once
	onClean     func(removed int)
}

func NewManager() *Manager {
	return &Manager{
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
}

// OnClean registers a callback run after each sweep that removed entries.
func (m *Manager) OnClean(fn func(removed int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClean = fn
}

// Register adds a cache to the manager for cleanup
func (m *Manager) Register(cache Cleaner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caches = append(m.caches, cache)
}

// StartCleanup begins periodic cleanup of all registered caches. Calling it
// twice is a no-op.
func (m *Manager) StartCleanup(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || interval <= 0 {
		return
	}
	m.started = true
	go m.cleanup(interval)
}

// Sweep cleans every registered cache once and returns how many entries
// were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	caches := append([]Cleaner(nil), m.caches...)
	onClean := m.onClean
	m.mu.Unlock()

	removed := 0
	for _, c := range caches {
		removed += c.CleanExpired()
	}
	if removed > 0 && onClean != nil {
		onClean(removed)
	}
	return removed
}

func (m *Manager) cleanup(interval time.Duration) {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCleanup:
			return
		}
	}
}

// Stop ends the cleanup routine and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCleanup)
		m.mu.Lock()
		started := m.started
		m.mu.Unlock()
		if started {
			<-m.cleanupDone
		}
	})
}
