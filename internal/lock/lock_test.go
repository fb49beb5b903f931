package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, "test", ttl), mr
}

func TestLockers(t *testing.T) {
	redisLocker, _ := newRedisLocker(t, time.Minute)
	lockers := map[string]Locker{
		"memory": NewMemoryLocker(),
		"redis":  redisLocker,
	}

	for name, l := range lockers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			unlock, ok, err := l.TryLock(ctx, "job-1")
			if err != nil || !ok {
				t.Fatalf("first TryLock = %v, %v", ok, err)
			}
			if _, ok, _ := l.TryLock(ctx, "job-1"); ok {
				t.Fatal("second TryLock on a held key must fail")
			}
			if _, ok, _ := l.TryLock(ctx, "job-2"); !ok {
				t.Fatal("other keys must be independent")
			}

			if err := unlock(ctx); err != nil {
				t.Fatalf("unlock: %v", err)
			}
			if err := unlock(ctx); !errors.Is(err, ErrNotHeld) {
				t.Errorf("double unlock = %v, want ErrNotHeld", err)
			}
			if _, ok, _ := l.TryLock(ctx, "job-1"); !ok {
				t.Error("key should be free after unlock")
			}
		})
	}
}

func TestRedisLockExpires(t *testing.T) {
	l, mr := newRedisLocker(t, time.Second)
	ctx := context.Background()

	stale, ok, err := l.TryLock(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	mr.FastForward(2 * time.Second)

	fresh, ok, err := l.TryLock(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("lease should have expired: %v, %v", ok, err)
	}
	// the stale holder must not release the new lease
	if err := stale(ctx); !errors.Is(err, ErrNotHeld) {
		t.Errorf("stale unlock = %v, want ErrNotHeld", err)
	}
	if err := fresh(ctx); err != nil {
		t.Errorf("fresh unlock: %v", err)
	}
}

func TestAcquireSerializes(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := Acquire(ctx, l, "job", time.Millisecond)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock(ctx)
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	l := NewMemoryLocker()
	if _, ok, _ := l.TryLock(context.Background(), "job"); !ok {
		t.Fatal("setup lock failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := Acquire(ctx, l, "job", time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire = %v, want deadline exceeded", err)
	}
}
