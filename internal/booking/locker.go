package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrLockNotAcquired is returned by a Locker that fails fast under contention.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Locker guards critical sections per key so that concurrent requests for
// the same slot (or the same owner's slot set) run one at a time.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

func slotLockKey(id uuid.UUID) string  { return fmt.Sprintf("lock:slot:%s", id) }
func ownerLockKey(id uuid.UUID) string { return fmt.Sprintf("lock:owner:%s", id) }

// LocalLocker is an in-process keyed mutex for single-instance deployments.
// Waiters block until the key is free or ctx is done.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", key, ctx.Err())
	}
	defer func() { <-kl.ch }()

	return fn(ctx)
}
