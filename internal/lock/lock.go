// Package lock provides the per-item critical section used by the borrow
// workflow. Local serializes callers inside one process; Redis extends the
// same guarantee across API replicas.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockAcquire is returned when the lock cannot be acquired before ctx is done.
var ErrLockAcquire = errors.New("failed to acquire lock")

// UnlockFunc releases a lock obtained from a Locker. It must be called exactly once.
type UnlockFunc func(ctx context.Context) error

// Locker hands out exclusive locks by key.
type Locker interface {
	// Lock blocks until the lock for key is held or ctx is done. ttl bounds how
	// long a crashed holder can keep the lock; implementations may ignore it.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// ItemKey is the lock key guarding an item's availability and its requests/records.
func ItemKey(itemID string) string { return "item:" + itemID }

// Local is an in-process keyed mutex.
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]chan struct{})}
}

func (l *Local) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Lock ignores ttl: an in-process holder cannot outlive the process.
func (l *Local) Lock(ctx context.Context, key string, _ time.Duration) (UnlockFunc, error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Join(ErrLockAcquire, ctx.Err())
	}
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-ch })
		return nil
	}, nil
}
