package lock

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newSQLiteLocker(t *testing.T) *SQLiteLocker {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "locks.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	l, err := NewSQLiteLocker(db)
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}
	return l
}

func lockers(t *testing.T) map[string]Locker {
	return map[string]Locker{
		"memory": NewMemoryLocker(),
		"sqlite": newSQLiteLocker(t),
	}
}

func TestLocker_AcquireIsExclusive(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			token, ok, err := l.Acquire(ctx, "k", time.Minute)
			if err != nil || !ok {
				t.Fatalf("first acquire: ok=%v err=%v", ok, err)
			}
			if _, ok, _ := l.Acquire(ctx, "k", time.Minute); ok {
				t.Fatalf("second acquire must be refused")
			}
			held, _ := l.IsHeld(ctx, "k")
			if !held {
				t.Fatalf("expected key held")
			}

			// A stale token must not free a re-acquired key.
			if err := l.Release(ctx, "k", "someone-else"); err != nil {
				t.Fatalf("foreign release: %v", err)
			}
			if held, _ := l.IsHeld(ctx, "k"); !held {
				t.Fatalf("foreign token released the key")
			}

			if err := l.Release(ctx, "k", token); err != nil {
				t.Fatalf("release: %v", err)
			}
			if err := l.Release(ctx, "k", token); err != nil {
				t.Fatalf("second release should be a no-op: %v", err)
			}
			if held, _ := l.IsHeld(ctx, "k"); held {
				t.Fatalf("expected key free")
			}
		})
	}
}

func TestMemoryLocker_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	now := time.Unix(1_000, 0)
	l.SetClock(func() time.Time { return now })

	if _, ok, _ := l.Acquire(ctx, "k", 10*time.Second); !ok {
		t.Fatalf("acquire failed")
	}
	now = now.Add(11 * time.Second)
	if held, _ := l.IsHeld(ctx, "k"); held {
		t.Fatalf("lock should have expired")
	}
	if _, ok, _ := l.Acquire(ctx, "k", 10*time.Second); !ok {
		t.Fatalf("expired lock should be acquirable")
	}
}

func TestSQLiteLocker_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	l := newSQLiteLocker(t)
	now := time.Unix(1_000, 0)
	l.now = func() time.Time { return now }

	if _, ok, _ := l.Acquire(ctx, "k", 10*time.Second); !ok {
		t.Fatalf("acquire failed")
	}
	now = now.Add(11 * time.Second)
	if held, _ := l.IsHeld(ctx, "k"); held {
		t.Fatalf("lock should have expired")
	}
	if _, ok, _ := l.Acquire(ctx, "k", 10*time.Second); !ok {
		t.Fatalf("expired lock should be acquirable")
	}
	now = now.Add(time.Minute)
	if n, err := l.ReapExpired(ctx); err != nil || n != 1 {
		t.Fatalf("reap: n=%d err=%v", n, err)
	}
}

func TestWaitAndAcquire_TimesOut(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	if _, ok, _ := l.Acquire(ctx, "k", time.Minute); !ok {
		t.Fatalf("acquire failed")
	}
	start := time.Now()
	_, err := WaitAndAcquire(ctx, l, "k", time.Minute, 250*time.Millisecond)
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Fatalf("returned before maxWait: %v", elapsed)
	}
}

func TestWaitAndAcquire_SucceedsAfterRelease(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	token, _, _ := l.Acquire(ctx, "k", time.Minute)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = l.Release(ctx, "k", token)
	}()
	if _, err := WaitAndAcquire(ctx, l, "k", time.Minute, 2*time.Second); err != nil {
		t.Fatalf("expected acquisition after release, got %v", err)
	}
}

func TestWithLock_ReleasesOnErrorAndPanic(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	boom := errors.New("boom")

	if err := WithLock(ctx, l, "k", time.Minute, 0, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if held, _ := l.IsHeld(ctx, "k"); held {
		t.Fatalf("lock leaked after error")
	}

	func() {
		defer func() { _ = recover() }()
		_ = WithLock(ctx, l, "k", time.Minute, 0, func(context.Context) error { panic("provider exploded") })
	}()
	if held, _ := l.IsHeld(ctx, "k"); held {
		t.Fatalf("lock leaked after panic")
	}
}

func TestWithLock_SingleHolder(t *testing.T) {
	ctx := context.Background()
	l := newSQLiteLocker(t)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = WithLock(ctx, l, ConversationKey("c1"), time.Minute, 3*time.Second, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside)
	}
}
