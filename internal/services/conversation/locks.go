package conversation

import (
	"context"
	"sync"
	"time"
)

// TurnLocks serializes turns per conversation. Entries are dropped once
// nobody holds or waits for them.
type TurnLocks struct {
	mu    sync.Mutex
	locks map[string]*turnLock
}

type turnLock struct {
	sem  chan struct{}
	refs int
}

func NewTurnLocks() *TurnLocks {
	return &TurnLocks{locks: make(map[string]*turnLock)}
}

// Acquire takes the lock for key, waiting at most wait. With wait <= 0 it
// fails immediately when the lock is held. The returned release is idempotent.
func (l *TurnLocks) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	tl := l.ref(key)

	select {
	case tl.sem <- struct{}{}:
		return l.releaser(key, tl), nil
	default:
	}

	if wait <= 0 {
		l.unref(key, tl)
		return nil, ErrTurnInProgress
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case tl.sem <- struct{}{}:
		return l.releaser(key, tl), nil
	case <-timer.C:
		l.unref(key, tl)
		return nil, ErrTurnInProgress
	case <-ctx.Done():
		l.unref(key, tl)
		return nil, ctx.Err()
	}
}

func (l *TurnLocks) ref(key string) *turnLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.locks[key]
	if !ok {
		tl = &turnLock{sem: make(chan struct{}, 1)}
		l.locks[key] = tl
	}
	tl.refs++
	return tl
}

func (l *TurnLocks) unref(key string, tl *turnLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *TurnLocks) releaser(key string, tl *turnLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-tl.sem
			l.unref(key, tl)
		})
	}
}

func (l *TurnLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
