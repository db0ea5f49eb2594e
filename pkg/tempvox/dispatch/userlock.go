package dispatch

import "sync"

// UserLocks is a fine-grained lock table keyed by user ID. The voice
// handler holds a user's lock for the whole of one transition so a JOIN
// can never interleave with that same user's LEAVE issued elsewhere
// (force resync, reconciler). Entries are reference-counted and removed
// when the last holder releases.
type UserLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewUserLocks creates an empty lock table.
func NewUserLocks() *UserLocks {
	return &UserLocks{locks: make(map[string]*userLock)}
}

// Lock acquires the lock for userID, creating it on first use.
func (t *UserLocks) Lock(userID string) {
	t.mu.Lock()
	l, ok := t.locks[userID]
	if !ok {
		l = &userLock{}
		t.locks[userID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the lock for userID.
func (t *UserLocks) Unlock(userID string) {
	t.mu.Lock()
	l, ok := t.locks[userID]
	if ok {
		l.refs--
		if l.refs <= 0 {
			delete(t.locks, userID)
		}
	}
	t.mu.Unlock()

	if ok {
		l.mu.Unlock()
	}
}

// Len returns the number of live entries; used by tests.
func (t *UserLocks) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
