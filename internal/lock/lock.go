// Package lock provides per-job mutual exclusion for reconciliation passes.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned by an unlock whose lease was lost or already released.
var ErrNotHeld = errors.New("lock not held")

// UnlockFunc releases a lock obtained from a Locker.
type UnlockFunc func(ctx context.Context) error

// Locker grants exclusive leases on string keys.
type Locker interface {
	// TryLock acquires key without waiting. ok is false when another holder has it.
	TryLock(ctx context.Context, key string) (unlock UnlockFunc, ok bool, err error)
}

// Acquire polls TryLock until the lock is granted or ctx is done.
func Acquire(ctx context.Context, l Locker, key string, every time.Duration) (UnlockFunc, error) {
	if every <= 0 {
		every = 50 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		unlock, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
