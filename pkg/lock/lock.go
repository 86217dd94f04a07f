package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLockLost is the cancellation cause of a held context whose lock can no
// longer be guaranteed.
var ErrLockLost = errors.New("lock lost")

// Release gives a held lock back. Calling it more than once is a no-op.
type Release func()

// Locker provides mutual exclusion per key.
type Locker interface {
	// Acquire blocks until the lock for key is held or ctx is done. The
	// returned context is derived from ctx and is cancelled when the lock is
	// released or lost, with ErrLockLost as its cause in the latter case.
	Acquire(ctx context.Context, key string) (context.Context, Release, error)
}

// KeyedMutex is an in-process Locker. Entries are dropped once no goroutine
// holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// Ensure KeyedMutex implements Locker.
var _ Locker = (*KeyedMutex)(nil)

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		locks: make(map[string]*keyLock, 16),
	}
}

// Acquire takes the lock for key. An in-process lock is never lost.
func (k *KeyedMutex) Acquire(ctx context.Context, key string) (context.Context, Release, error) {
	l := k.ref(key)

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.unref(key)

		return nil, nil, ctx.Err()
	}

	held, cancel := context.WithCancel(ctx)

	var once sync.Once

	return held, func() {
		once.Do(func() {
			cancel()
			<-l.ch
			k.unref(key)
		})
	}, nil
}

// Len returns the number of keys currently held or waited for.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.locks)
}

func (k *KeyedMutex) ref(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}

	l.refs++

	return l
}

func (k *KeyedMutex) unref(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		return
	}

	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
