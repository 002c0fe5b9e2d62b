package lifecycle

import "sync"

// userLocks serializes lifecycle operations per user: since a user has at
// most one open subscription, a single-writer lock per user is exactly a
// single-writer lock per subscription aggregate. Entries are reference
// counted so the map does not grow with the user population.
type userLocks struct {
	mu    sync.Mutex
	locks map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[int64]*userLock)}
}

// acquire blocks until the caller holds the user's lock and returns the
// release function.
func (l *userLocks) acquire(userID int64) func() {
	l.mu.Lock()
	entry, ok := l.locks[userID]
	if !ok {
		entry = &userLock{}
		l.locks[userID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
