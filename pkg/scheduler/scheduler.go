// Package scheduler runs the autonomous decide → act → reschedule cycle of
// each conversation and the worker that executes queued actions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swparkaust/chat-with-ai/pkg/dispatch"
	"github.com/swparkaust/chat-with-ai/pkg/generation"
	"github.com/swparkaust/chat-with-ai/pkg/lock"
	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/queue"
	"github.com/swparkaust/chat-with-ai/pkg/store"
	"github.com/swparkaust/chat-with-ai/pkg/telemetry"
	"github.com/swparkaust/chat-with-ai/pkg/timing"
)

type Store interface {
	GetConversation(ctx context.Context, id string) (store.Conversation, error)
	GetPersonaState(ctx context.Context, personaID string) (store.PersonaState, error)
	CountUnread(ctx context.Context, conversationID string, sender store.Sender) (int, error)
	LatestMessageSeq(ctx context.Context, conversationID string) (int64, error)
}

type Generator interface {
	Decide(ctx context.Context, conv store.Conversation) (generation.Decision, error)
	Fragments(ctx context.Context, conv store.Conversation, mode generation.Mode) ([]string, error)
}

type Dispatcher interface {
	Begin(ctx context.Context, conv store.Conversation, mode generation.Mode, fragments []string, watermarkSeq int64, lockToken string) (dispatch.Turn, error)
	Step(ctx context.Context, t dispatch.Turn) (dispatch.Outcome, error)
}

type Scheduling interface {
	Decide(ctx context.Context, conversationID string, delay time.Duration) error
	DecideNow(ctx context.Context, conversationID string) error
}

type Deps struct {
	Store      Store
	Generator  Generator
	Dispatcher Dispatcher
	Queue      Scheduling
	Locker     lock.Locker
	Oracle     dispatch.Oracle
	Receipts   dispatch.ReadMarker
	Metrics    *telemetry.Instruments
	// AfterRead runs after a read_only decision marked messages read.
	AfterRead []dispatch.Hook
}

type Config struct {
	LockTTL          time.Duration
	InterruptPoll    time.Duration
	FailureRetry     time.Duration
	DecisionMinDelay time.Duration
	DecisionMaxDelay time.Duration
}

// Outcome summarizes how one cycle ended.
type Outcome string

const (
	OutcomeInactive    Outcome = "inactive"
	OutcomeContended   Outcome = "contended"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeWaiting     Outcome = "waiting"
	OutcomeReadOnly    Outcome = "read_only"
	OutcomeDispatched  Outcome = "dispatched"
	OutcomeEmpty       Outcome = "no_fragments"
)

type Scheduler struct {
	deps   Deps
	cfg    Config
	rand   func() float64
	tracer trace.Tracer
}

func New(deps Deps, cfg Config) *Scheduler {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lock.DefaultTTL
	}
	if cfg.InterruptPoll <= 0 {
		cfg.InterruptPoll = generation.DefaultPoll
	}
	if cfg.FailureRetry <= 0 {
		cfg.FailureRetry = 30 * time.Second
	}
	if cfg.DecisionMinDelay <= 0 {
		cfg.DecisionMinDelay = 30 * time.Second
	}
	if cfg.DecisionMaxDelay < cfg.DecisionMinDelay {
		cfg.DecisionMaxDelay = 120 * time.Second
		if cfg.DecisionMaxDelay < cfg.DecisionMinDelay {
			cfg.DecisionMaxDelay = cfg.DecisionMinDelay
		}
	}
	return &Scheduler{
		deps:   deps,
		cfg:    cfg,
		rand:   rand.Float64,
		tracer: telemetry.Tracer("scheduler"),
	}
}

// SetRandom replaces the source used for idle rescheduling delays.
func (s *Scheduler) SetRandom(r func() float64) { s.rand = r }

// Cycle runs one decision for the conversation. A persistence failure is
// returned after the lock has been released; everything the provider gets
// wrong degrades into a rescheduled wait instead.
func (s *Scheduler) Cycle(ctx context.Context, conversationID string) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.cycle", trace.WithAttributes(
		attribute.String("conversation_id", conversationID),
	))
	defer span.End()

	outcome, err := s.cycle(ctx, conversationID)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
	}
	return outcome, err
}

func (s *Scheduler) cycle(ctx context.Context, conversationID string) (Outcome, error) {
	conv, err := s.deps.Store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeInactive, nil
	}
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	if !conv.Active {
		logger.DebugCF("scheduler", "Conversation inactive, not scheduling", map[string]interface{}{
			"conversation_id": conversationID,
		})
		return OutcomeInactive, nil
	}

	token, ok, err := s.deps.Locker.Acquire(ctx, lock.ConversationKey(conversationID), s.cfg.LockTTL)
	if err != nil {
		return "", fmt.Errorf("acquire decision lock: %w", err)
	}
	if !ok {
		s.deps.Metrics.LockContention(ctx)
		logger.DebugCF("scheduler", "Decision already in progress, skipping", map[string]interface{}{
			"conversation_id": conversationID,
		})
		return OutcomeContended, nil
	}

	c := &cycle{s: s, conv: conv, token: token}
	defer c.release(ctx)
	return c.run(ctx)
}

// cycle is the state of one locked decision run.
type cycle struct {
	s         *Scheduler
	conv      store.Conversation
	token     string
	baseline  int
	watermark int64
	handedOff bool
	released  bool
}

type decided struct {
	decision generation.Decision
	err      error
}

type generated struct {
	fragments []string
	err       error
}

func (c *cycle) run(ctx context.Context) (Outcome, error) {
	st := c.s.deps.Store
	baseline, err := st.CountUnread(ctx, c.conv.ID, store.SenderHuman)
	if err != nil {
		return "", fmt.Errorf("snapshot unread: %w", err)
	}
	watermark, err := st.LatestMessageSeq(ctx, c.conv.ID)
	if err != nil {
		return "", fmt.Errorf("snapshot watermark: %w", err)
	}
	c.baseline, c.watermark = baseline, watermark

	task := generation.Start(ctx, func(ctx context.Context) decided {
		d, err := c.s.deps.Generator.Decide(ctx, c.conv)
		return decided{decision: d, err: err}
	})
	res, err := task.Await(ctx, c.s.cfg.InterruptPoll, c.interrupted, decided{})
	if errors.Is(err, generation.ErrInterrupted) {
		return c.restart(ctx, "decision")
	}
	if err != nil {
		return "", err
	}
	if res.err != nil {
		return "", res.err
	}

	d := res.decision
	c.s.deps.Metrics.Decision(ctx, string(d.Action))
	logger.InfoCF("scheduler", "Decision made", map[string]interface{}{
		"conversation_id": c.conv.ID,
		"action":          string(d.Action),
		"reason":          d.Reason,
		"wait_seconds":    d.Wait.Seconds(),
		"unread":          baseline,
	})

	switch d.Action {
	case generation.ActionWait:
		return OutcomeWaiting, c.reschedule(ctx, d.Wait)
	case generation.ActionReadOnly:
		return c.readOnly(ctx)
	case generation.ActionRespond:
		return c.reply(ctx, generation.ModeRespond)
	case generation.ActionInitiate:
		return c.reply(ctx, generation.ModeInitiate)
	default:
		return OutcomeWaiting, c.reschedule(ctx, c.s.cfg.FailureRetry)
	}
}

func (c *cycle) readOnly(ctx context.Context) (Outcome, error) {
	if err := c.think(ctx, timing.ThinkingBeforeReadOnly); err != nil {
		if errors.Is(err, generation.ErrInterrupted) {
			return c.restart(ctx, "thinking")
		}
		return "", err
	}
	ids, err := c.s.deps.Receipts.MarkHumanReadThrough(ctx, c.conv.ID, c.watermark, true)
	if err != nil {
		return "", err
	}
	for _, hook := range c.s.deps.AfterRead {
		hook(ctx, c.conv)
	}
	logger.DebugCF("scheduler", "Read without replying", map[string]interface{}{
		"conversation_id": c.conv.ID,
		"marked":          len(ids),
	})
	return OutcomeReadOnly, c.reschedule(ctx, queue.RandomDelay(c.s.rand(), c.s.cfg.DecisionMinDelay, c.s.cfg.DecisionMaxDelay))
}

func (c *cycle) reply(ctx context.Context, mode generation.Mode) (Outcome, error) {
	kind := timing.ThinkingBeforeResponse
	if mode == generation.ModeInitiate {
		kind = timing.ThinkingBeforeInitiate
	}
	if err := c.think(ctx, kind); err != nil {
		if errors.Is(err, generation.ErrInterrupted) {
			return c.restart(ctx, "thinking")
		}
		return "", err
	}

	task := generation.Start(ctx, func(ctx context.Context) generated {
		f, err := c.s.deps.Generator.Fragments(ctx, c.conv, mode)
		return generated{fragments: f, err: err}
	})
	res, err := task.Await(ctx, c.s.cfg.InterruptPoll, c.interrupted, generated{})
	if errors.Is(err, generation.ErrInterrupted) {
		return c.restart(ctx, "generation")
	}
	if err != nil {
		return "", err
	}
	if res.err != nil {
		return "", res.err
	}
	if len(res.fragments) == 0 {
		logger.WarnCF("scheduler", "No fragments generated, retrying later", map[string]interface{}{
			"conversation_id": c.conv.ID,
			"mode":            string(mode),
		})
		return OutcomeEmpty, c.reschedule(ctx, c.s.cfg.FailureRetry)
	}

	if mode == generation.ModeRespond {
		if _, err := c.s.deps.Receipts.MarkHumanReadThrough(ctx, c.conv.ID, c.watermark, true); err != nil {
			return "", err
		}
	}

	if _, err := c.s.deps.Dispatcher.Begin(ctx, c.conv, mode, res.fragments, c.watermark, c.token); err != nil {
		return "", err
	}
	c.handedOff = true
	return OutcomeDispatched, nil
}

func (c *cycle) think(ctx context.Context, kind timing.Kind) error {
	var summary string
	if state, err := c.s.deps.Store.GetPersonaState(ctx, c.conv.PersonaID); err == nil {
		summary = state.Attributes.Summary()
	}
	delay := c.s.deps.Oracle.DelayFor(ctx, timing.Request{Kind: kind, PersonaContext: summary})
	if delay <= 0 {
		return nil
	}
	logger.DebugCF("scheduler", "Thinking", map[string]interface{}{
		"conversation_id": c.conv.ID,
		"kind":            string(kind),
		"seconds":         delay.Seconds(),
	})
	return generation.Sleep(ctx, delay, c.s.cfg.InterruptPoll, c.interrupted)
}

// interrupted reports whether the human has written since the snapshot.
func (c *cycle) interrupted(ctx context.Context) (bool, error) {
	n, err := c.s.deps.Store.CountUnread(ctx, c.conv.ID, store.SenderHuman)
	if err != nil {
		return false, fmt.Errorf("check interruption: %w", err)
	}
	return n > c.baseline, nil
}

func (c *cycle) restart(ctx context.Context, during string) (Outcome, error) {
	logger.InfoCF("scheduler", "Human wrote during "+during+", restarting decision", map[string]interface{}{
		"conversation_id": c.conv.ID,
	})
	c.release(ctx)
	if err := c.s.deps.Queue.DecideNow(ctx, c.conv.ID); err != nil {
		return "", err
	}
	return OutcomeInterrupted, nil
}

// reschedule frees the lock before enqueuing so that an immediately due
// decision cannot find it still held.
func (c *cycle) reschedule(ctx context.Context, delay time.Duration) error {
	c.release(ctx)
	return c.s.deps.Queue.Decide(ctx, c.conv.ID, delay)
}

func (c *cycle) release(ctx context.Context) {
	if c.handedOff || c.released {
		return
	}
	c.released = true
	if err := c.s.deps.Locker.Release(context.WithoutCancel(ctx), lock.ConversationKey(c.conv.ID), c.token); err != nil {
		logger.WarnCF("scheduler", "Lock release failed", map[string]interface{}{
			"conversation_id": c.conv.ID,
			"error":           err.Error(),
		})
	}
}
