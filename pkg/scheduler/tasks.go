package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/swparkaust/chat-with-ai/pkg/dispatch"
	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/memory"
	"github.com/swparkaust/chat-with-ai/pkg/queue"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

// AppScope is the job scope of process-wide tasks.
const AppScope = "app"

// DefaultCron runs periodic tasks at the top of every hour.
const DefaultCron = "0 * * * *"

// Finished jobs older than this are purged by the periodic task.
const jobRetention = 7 * 24 * time.Hour

type TaskStore interface {
	ListActiveConversations(ctx context.Context) ([]store.Conversation, error)
	ActivePersona(ctx context.Context) (store.Persona, error)
	HasOpenJob(ctx context.Context, scope, jobType string) (bool, error)
	PurgeFinishedJobs(ctx context.Context, beforeMS int64) (int, error)
}

type TaskQueue interface {
	Scheduling
	Now() time.Time
	Enqueue(ctx context.Context, a queue.Action) (store.Job, error)
	EnsureOnce(ctx context.Context, a queue.Action) (bool, error)
}

type StateEvolver interface {
	AfterTurn(ctx context.Context, conversationID string) error
}

type NaturalEvolver interface {
	Evolve(ctx context.Context, personaID string) error
}

type Maintainer interface {
	RunMaintenance(ctx context.Context, personaID string) (memory.Report, error)
}

type Rotator interface {
	RotateIfDue(ctx context.Context) (bool, error)
}

// Tasks binds every job type to the component that executes it.
type Tasks struct {
	Scheduler      *Scheduler
	Store          TaskStore
	Queue          TaskQueue
	StateEvolver   StateEvolver
	NaturalEvolver NaturalEvolver
	Maintainer     Maintainer
	Rotator        Rotator
	// Cron schedules periodic_tasks; empty means DefaultCron.
	Cron string
}

// Register installs the job handlers on w.
func (t *Tasks) Register(w *Worker) {
	w.Handle(queue.TypeDecide, t.decide)
	w.Handle(queue.TypeFragmentStep, t.fragmentStep)
	w.Handle(queue.TypeEvolveState, t.evolveState)
	w.Handle(queue.TypeNaturalEvolution, t.naturalEvolution)
	w.Handle(queue.TypeMemoryMaintenance, t.memoryMaintenance)
	w.Handle(queue.TypeSeasonRotation, t.seasonRotation)
	w.Handle(queue.TypePeriodicTasks, t.periodic)

	// A broken turn restarts with a fresh decision.
	w.OnExhausted(queue.TypeFragmentStep, func(ctx context.Context, job store.Job, _ error) {
		t.requeueDecision(ctx, job.Scope, 0)
	})
	// A conversation whose decision keeps failing is tried again later
	// rather than left silent.
	w.OnExhausted(queue.TypeDecide, func(ctx context.Context, job store.Job, _ error) {
		t.requeueDecision(ctx, job.Scope, t.Scheduler.cfg.FailureRetry)
	})
}

func (t *Tasks) requeueDecision(ctx context.Context, conversationID string, delay time.Duration) {
	if err := t.Queue.Decide(ctx, conversationID, delay); err != nil {
		logger.ErrorCF("scheduler", "Requeue decision failed", map[string]interface{}{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
	}
}

func (t *Tasks) decide(ctx context.Context, job store.Job) error {
	_, err := t.Scheduler.Cycle(ctx, job.Scope)
	return err
}

func (t *Tasks) fragmentStep(ctx context.Context, job store.Job) error {
	turn, err := dispatch.TurnFromPayload(job.Payload)
	if err != nil {
		return err
	}
	_, err = t.Scheduler.deps.Dispatcher.Step(ctx, turn)
	return err
}

func (t *Tasks) evolveState(ctx context.Context, job store.Job) error {
	if t.StateEvolver == nil {
		return nil
	}
	return t.StateEvolver.AfterTurn(ctx, job.Scope)
}

func (t *Tasks) naturalEvolution(ctx context.Context, job store.Job) error {
	if t.NaturalEvolver == nil {
		return nil
	}
	return t.NaturalEvolver.Evolve(ctx, job.Scope)
}

func (t *Tasks) memoryMaintenance(ctx context.Context, job store.Job) error {
	if t.Maintainer == nil {
		return nil
	}
	_, err := t.Maintainer.RunMaintenance(ctx, job.Scope)
	return err
}

func (t *Tasks) seasonRotation(ctx context.Context, _ store.Job) error {
	if t.Rotator == nil {
		return nil
	}
	_, err := t.Rotator.RotateIfDue(ctx)
	return err
}

// periodic fans out the hourly work and schedules its own next run.
func (t *Tasks) periodic(ctx context.Context, _ store.Job) error {
	if _, err := t.Queue.EnsureOnce(ctx, queue.Action{Type: queue.TypeSeasonRotation, Scope: AppScope}); err != nil {
		return err
	}

	persona, err := t.Store.ActivePersona(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load active persona: %w", err)
	default:
		for _, jobType := range []string{queue.TypeNaturalEvolution, queue.TypeMemoryMaintenance} {
			if _, err := t.Queue.EnsureOnce(ctx, queue.Action{Type: jobType, Scope: persona.ID}); err != nil {
				return err
			}
		}
	}

	cutoff := t.Queue.Now().Add(-jobRetention).UnixMilli()
	if n, err := t.Store.PurgeFinishedJobs(ctx, cutoff); err != nil {
		logger.WarnCF("scheduler", "Purge finished jobs failed", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		logger.DebugCF("scheduler", "Purged finished jobs", map[string]interface{}{"count": n})
	}

	next, err := t.nextTick(t.Queue.Now())
	if err != nil {
		return err
	}
	if _, err := t.Queue.Enqueue(ctx, queue.Action{Type: queue.TypePeriodicTasks, Scope: AppScope, NotBefore: next}); err != nil {
		return err
	}
	logger.InfoCF("scheduler", "Periodic tasks queued", map[string]interface{}{
		"next_run": next.Format(time.RFC3339),
	})
	return nil
}

func (t *Tasks) nextTick(after time.Time) (time.Time, error) {
	expr := t.Cron
	if expr == "" {
		expr = DefaultCron
	}
	next, err := gronx.NextTickAfter(expr, after, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("periodic cron %q: %w", expr, err)
	}
	return next, nil
}

// EnsurePeriodic makes sure exactly one periodic_tasks job is pending.
func (t *Tasks) EnsurePeriodic(ctx context.Context) (bool, error) {
	next, err := t.nextTick(t.Queue.Now())
	if err != nil {
		return false, err
	}
	return t.Queue.EnsureOnce(ctx, queue.Action{Type: queue.TypePeriodicTasks, Scope: AppScope, NotBefore: next})
}

// EnsureScheduled queues a decision for every active conversation that has
// no pending or running job, so a restart never leaves one silent.
func (t *Tasks) EnsureScheduled(ctx context.Context) (int, error) {
	convs, err := t.Store.ListActiveConversations(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active conversations: %w", err)
	}
	scheduled := 0
	for _, conv := range convs {
		open, err := t.Store.HasOpenJob(ctx, conv.ID, "")
		if err != nil {
			return scheduled, fmt.Errorf("check open jobs: %w", err)
		}
		if open {
			continue
		}
		if err := t.Queue.DecideNow(ctx, conv.ID); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	if scheduled > 0 {
		logger.InfoCF("scheduler", "Scheduled idle conversations", map[string]interface{}{"count": scheduled})
	}
	return scheduled, nil
}
