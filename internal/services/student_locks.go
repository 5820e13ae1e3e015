package services

import "sync"

// studentLocks hands out one mutex per student id. Entries are reference
// counted and dropped once nobody holds or waits for them, so the map stays
// proportional to the number of students with a write in flight.
type studentLocks struct {
	mu    sync.Mutex
	locks map[string]*studentLock
}

type studentLock struct {
	mu   sync.Mutex
	refs int
}

func newStudentLocks() *studentLocks {
	return &studentLocks{locks: make(map[string]*studentLock)}
}

// Lock blocks until the caller holds the student's lock and returns the
// function that releases it.
func (l *studentLocks) Lock(studentID string) (unlock func()) {
	l.mu.Lock()
	sl, ok := l.locks[studentID]
	if !ok {
		sl = &studentLock{}
		l.locks[studentID] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sl.mu.Unlock()
			l.mu.Lock()
			sl.refs--
			if sl.refs == 0 {
				delete(l.locks, studentID)
			}
			l.mu.Unlock()
		})
	}
}

// held reports how many students currently have a lock entry.
func (l *studentLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
