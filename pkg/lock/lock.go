// Package lock provides keyed mutual exclusion with TTL-based expiry.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL bounds how long a crashed holder can keep a key.
const DefaultTTL = 300 * time.Second

// PollInterval is how often WaitAndAcquire retries.
const PollInterval = 100 * time.Millisecond

// ErrNotAcquired is returned by WaitAndAcquire and WithLock when the key
// stayed held for the whole wait.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker is a cooperative exclusive lock keyed by scope.
//
// Acquire is set-if-absent with expiry: ok is false when an unexpired
// holder exists. Release only frees the key when token still owns it, so
// releasing an unheld, expired or re-acquired key is a no-op.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
	IsHeld(ctx context.Context, key string) (bool, error)
}

func newToken() string { return "lock-" + uuid.NewString() }

// WaitAndAcquire polls Acquire every PollInterval until it succeeds or
// maxWait elapses.
func WaitAndAcquire(ctx context.Context, l Locker, key string, ttl, maxWait time.Duration) (string, error) {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		token, ok, err := l.Acquire(ctx, key, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if !time.Now().Before(deadline) {
			return "", fmt.Errorf("%w: %s after %s", ErrNotAcquired, key, maxWait)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// WithLock runs fn while holding key. A zero maxWait fails fast. The key is
// released on every exit path, including a panic in fn.
func WithLock(ctx context.Context, l Locker, key string, ttl, maxWait time.Duration, fn func(ctx context.Context) error) error {
	var token string
	if maxWait > 0 {
		t, err := WaitAndAcquire(ctx, l, key, ttl, maxWait)
		if err != nil {
			return err
		}
		token = t
	} else {
		t, ok, err := l.Acquire(ctx, key, ttl)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}
		token = t
	}
	defer func() {
		// Release must run even when ctx is already cancelled.
		_ = l.Release(context.WithoutCancel(ctx), key, token)
	}()
	return fn(ctx)
}

// ConversationKey scopes the per-conversation decision lock.
func ConversationKey(conversationID string) string {
	return "ai_decision_lock:" + conversationID
}

// MaintenanceKey scopes a persona's memory maintenance run.
func MaintenanceKey(personaID string) string {
	return "memory_maintenance:" + personaID
}

// SeasonRotationKey is the global season rotation lock.
const SeasonRotationKey = "season:rotation:lock"
