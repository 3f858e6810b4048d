package inventory

import (
	"context"
	"sync"
	"time"
)

// DefaultLockWait bounds how long a caller blocks on one book's lock before
// giving up with ErrLockTimeout.
const DefaultLockWait = 5 * time.Second

// KeyedLock serializes access per key while letting distinct keys proceed
// independently. Entries are reference-counted and removed once idle, so the
// map does not grow with the catalog.
type KeyedLock struct {
	wait time.Duration

	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// NewKeyedLock creates a lock set with the given acquisition wait. A
// non-positive wait falls back to DefaultLockWait.
func NewKeyedLock(wait time.Duration) *KeyedLock {
	if wait <= 0 {
		wait = DefaultLockWait
	}
	return &KeyedLock{wait: wait, locks: make(map[string]*lockEntry)}
}

// Acquire takes the lock for key, returning a release func. It fails with
// ErrLockTimeout once the bounded wait elapses, or with the context error if
// the caller is cancelled first.
func (k *KeyedLock) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	timer := time.NewTimer(k.wait)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			k.put(key, e)
		}, nil
	case <-timer.C:
		k.put(key, e)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		k.put(key, e)
		return nil, ctx.Err()
	}
}

func (k *KeyedLock) put(key string, e *lockEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
