// Package generation runs the provider-backed decisions of a turn (what to
// do, what to say, whether to keep going) as cancellable tasks.
package generation

import (
	"context"
	"errors"
	"time"
)

// ErrInterrupted is returned by Await when the interruption probe fired.
var ErrInterrupted = errors.New("generation: interrupted")

// DefaultPoll is how often Await probes for interruption.
const DefaultPoll = 100 * time.Millisecond

// Probe reports whether the work being awaited has been made obsolete.
type Probe func(ctx context.Context) (bool, error)

// Task runs fn on its own goroutine with a cancellable context and delivers
// its single result on a channel.
type Task[T any] struct {
	cancel context.CancelFunc
	result chan T
}

func Start[T any](parent context.Context, fn func(ctx context.Context) T) *Task[T] {
	ctx, cancel := context.WithCancel(parent)
	t := &Task[T]{cancel: cancel, result: make(chan T, 1)}
	go func() {
		t.result <- fn(ctx)
	}()
	return t
}

func (t *Task[T]) Cancel() { t.cancel() }

// Result delivers the task's value once.
func (t *Task[T]) Result() <-chan T { return t.result }

// Await waits for the result while calling interrupted every poll. When
// the probe fires, the probe fails, or ctx ends, the task is cancelled and
// fallback is returned with the reason.
func (t *Task[T]) Await(ctx context.Context, poll time.Duration, interrupted Probe, fallback T) (T, error) {
	if poll <= 0 {
		poll = DefaultPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case v := <-t.result:
			t.cancel()
			return v, nil
		case <-ctx.Done():
			t.cancel()
			return fallback, ctx.Err()
		case <-ticker.C:
			if interrupted == nil {
				continue
			}
			hit, err := interrupted(ctx)
			if err != nil {
				t.cancel()
				return fallback, err
			}
			if hit {
				t.cancel()
				return fallback, ErrInterrupted
			}
		}
	}
}

// Sleep waits for d unless interrupted first.
func Sleep(ctx context.Context, d time.Duration, poll time.Duration, interrupted Probe) error {
	task := Start(ctx, func(ctx context.Context) bool {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		}
	})
	elapsed, err := task.Await(ctx, poll, interrupted, false)
	if err != nil {
		return err
	}
	if !elapsed {
		return ctx.Err()
	}
	return nil
}
