// Package queue is the typed front of the durable job table: every
// deferred action (decisions, fragment continuations, evolution,
// maintenance, rotation) is enqueued through it.
package queue

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/swparkaust/chat-with-ai/pkg/store"
)

const (
	TypeDecide            = "decide"
	TypeFragmentStep      = "fragment_step"
	TypeEvolveState       = "evolve_state"
	TypeNaturalEvolution  = "natural_evolution"
	TypeMemoryMaintenance = "memory_maintenance"
	TypeSeasonRotation    = "season_rotation"
	TypePeriodicTasks     = "periodic_tasks"
)

// Lower runs first.
const (
	PriorityFragment    = 10
	PriorityDecide      = 50
	PriorityDefault     = 100
	PriorityMaintenance = 200
)

type Action struct {
	Type    string
	Scope   string
	Payload map[string]string
	// NotBefore is the earliest run time; zero means now.
	NotBefore time.Time
	Priority  int
	// MaxAttempts overrides the queue default; 1 disables retries.
	MaxAttempts int
}

type JobStore interface {
	EnqueueJob(ctx context.Context, job store.Job) (store.Job, error)
	HasOpenJob(ctx context.Context, scope, jobType string) (bool, error)
}

type Queue struct {
	store       JobStore
	maxAttempts int
	now         func() time.Time
	flight      singleflight.Group
}

func New(s JobStore, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{store: s, maxAttempts: maxAttempts, now: time.Now}
}

// SetClock replaces the queue's time source.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

func (q *Queue) Now() time.Time { return q.now() }

func (q *Queue) Enqueue(ctx context.Context, a Action) (store.Job, error) {
	if a.Type == "" {
		return store.Job{}, fmt.Errorf("enqueue: empty action type")
	}
	runAfter := a.NotBefore
	if runAfter.IsZero() {
		runAfter = q.now()
	}
	priority := a.Priority
	if priority == 0 {
		priority = defaultPriority(a.Type)
	}
	maxAttempts := a.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	job, err := q.store.EnqueueJob(ctx, store.Job{
		JobType:     a.Type,
		Scope:       a.Scope,
		Priority:    priority,
		Payload:     a.Payload,
		MaxAttempts: maxAttempts,
		RunAfterMS:  runAfter.UnixMilli(),
	})
	if err != nil {
		return store.Job{}, fmt.Errorf("enqueue %s: %w", a.Type, err)
	}
	return job, nil
}

// Decide schedules the next decision cycle for a conversation after delay.
func (q *Queue) Decide(ctx context.Context, conversationID string, delay time.Duration) error {
	_, err := q.Enqueue(ctx, Action{Type: TypeDecide, Scope: conversationID, NotBefore: q.now().Add(delay)})
	return err
}

// DecideNow schedules an immediate decision cycle. Concurrent callers for
// the same conversation share one enqueue.
func (q *Queue) DecideNow(ctx context.Context, conversationID string) error {
	_, err, _ := q.flight.Do(conversationID, func() (interface{}, error) {
		return nil, q.Decide(ctx, conversationID, 0)
	})
	return err
}

// EnsureOnce enqueues a unless an open job of the same type and scope exists.
func (q *Queue) EnsureOnce(ctx context.Context, a Action) (bool, error) {
	open, err := q.store.HasOpenJob(ctx, a.Scope, a.Type)
	if err != nil {
		return false, fmt.Errorf("check open %s job: %w", a.Type, err)
	}
	if open {
		return false, nil
	}
	if _, err := q.Enqueue(ctx, a); err != nil {
		return false, err
	}
	return true, nil
}

func defaultPriority(jobType string) int {
	switch jobType {
	case TypeFragmentStep:
		return PriorityFragment
	case TypeDecide:
		return PriorityDecide
	case TypeMemoryMaintenance, TypeSeasonRotation, TypeNaturalEvolution:
		return PriorityMaintenance
	default:
		return PriorityDefault
	}
}

// RandomDelay maps r (in [0,1)) onto [min, max].
func RandomDelay(r float64, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(r*float64(max-min))
}
