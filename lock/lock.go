// Package lock provides distributed mutual exclusion and leader
// election. Locks are fenced by an owner token so an expired holder
// can never release or extend a lock someone else re-acquired.
package lock

import (
	"context"
	"fmt"
	"time"

	"go.catga.dev/result"
)

// ErrNotHeld is returned by Extend and Release when the lock is no
// longer owned by this handle (the TTL lapsed and another holder took
// it, or it was already released).
var ErrNotHeld = result.NewError(result.KindConflict, "LOCK_NOT_HELD", "lock is not held by this handle")

// Handle is an acquired lock. Extend pushes the expiry forward while
// work is still running; Release frees the lock early.
type Handle interface {
	// Name returns the lock name
	Name() string

	// Extend moves the expiry to now+ttl if this handle still owns
	// the lock, returning ErrNotHeld otherwise
	Extend(ctx context.Context, ttl time.Duration) error

	// Release frees the lock if this handle still owns it,
	// returning ErrNotHeld otherwise
	Release(ctx context.Context) error
}

// Locker is the distributed lock contract.
type Locker interface {
	// TryAcquire attempts to take the named lock for ttl without
	// blocking. ok is false when another holder owns it.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (h Handle, ok bool, err error)

	// Acquire blocks until the lock is taken or ctx is done,
	// retrying with a short poll interval.
	Acquire(ctx context.Context, name string, ttl time.Duration) (Handle, error)
}

// acquirePollInterval is how often Acquire retries a contended lock.
const acquirePollInterval = 50 * time.Millisecond

// acquireLoop implements blocking Acquire on top of TryAcquire.
func acquireLoop(ctx context.Context, l Locker, name string, ttl time.Duration) (Handle, error) {
	ticker := time.NewTicker(acquirePollInterval)
	defer ticker.Stop()

	for {
		h, ok, err := l.TryAcquire(ctx, name, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return h, nil
		}
		select {
		case <-ctx.Done():
			return nil, result.WrapError(result.KindCancelled, fmt.Errorf("waiting for lock %s: %w", name, ctx.Err()))
		case <-ticker.C:
		}
	}
}
