package trade

import (
	"context"
	"sync"
)

// userLocks is a process-wide mutex keyed by user ID. Entries are
// reference counted and removed once no goroutine holds or waits on them,
// so unrelated users never share a lock and the map does not grow with
// the user base.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	ch   chan struct{}
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// acquire blocks until userID's lock is held or ctx is done.
func (l *userLocks) acquire(ctx context.Context, userID string) (release func(), err error) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{ch: make(chan struct{}, 1)}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	select {
	case ul.ch <- struct{}{}:
		return func() {
			<-ul.ch
			l.unref(userID, ul)
		}, nil
	case <-ctx.Done():
		l.unref(userID, ul)
		return nil, ctx.Err()
	}
}

func (l *userLocks) unref(userID string, ul *userLock) {
	l.mu.Lock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, userID)
	}
	l.mu.Unlock()
}

func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
