package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/bus"
	"github.com/swparkaust/chat-with-ai/pkg/config"
	"github.com/swparkaust/chat-with-ai/pkg/dispatch"
	"github.com/swparkaust/chat-with-ai/pkg/evolution"
	"github.com/swparkaust/chat-with-ai/pkg/generation"
	"github.com/swparkaust/chat-with-ai/pkg/lock"
	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/memory"
	"github.com/swparkaust/chat-with-ai/pkg/messaging"
	"github.com/swparkaust/chat-with-ai/pkg/notify"
	"github.com/swparkaust/chat-with-ai/pkg/providers"
	"github.com/swparkaust/chat-with-ai/pkg/queue"
	"github.com/swparkaust/chat-with-ai/pkg/scheduler"
	"github.com/swparkaust/chat-with-ai/pkg/season"
	"github.com/swparkaust/chat-with-ai/pkg/store"
	"github.com/swparkaust/chat-with-ai/pkg/telemetry"
	"github.com/swparkaust/chat-with-ai/pkg/timing"
)

// app holds every long-lived component of one process.
type app struct {
	cfg           *config.Config
	store         *store.SQLiteStore
	bus           *bus.EventBus
	locker        *lock.SQLiteLocker
	queue         *queue.Queue
	presence      *messaging.Presence
	receipts      *messaging.Receipts
	notifications *messaging.Notifications
	memory        *memory.Engine
	rotator       *season.Rotator
	scheduler     *scheduler.Scheduler
	tasks         *scheduler.Tasks
	worker        *scheduler.Worker
	metrics       *telemetry.Instruments
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func secondsF(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

// newApp opens the database and wires the scheduler stack. notifier may be
// nil, in which case notifications are only logged.
func newApp(cfg *config.Config, provider providers.Provider, notifier notify.Notifier) (*app, error) {
	s, err := store.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	locker, err := lock.NewSQLiteLocker(s.DB())
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open locker: %w", err)
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}

	sc := cfg.Scheduler
	a := &app{
		cfg:      cfg,
		store:    s,
		bus:      bus.NewEventBus(),
		locker:   locker,
		queue:    queue.New(s, sc.MaxAttempts),
		presence: messaging.NewPresence(),
		metrics:  telemetry.NewInstruments(),
	}
	a.receipts = messaging.NewReceipts(s, a.bus, a.presence)
	a.notifications = messaging.NewNotifications(notifier, a.presence)
	a.memory = memory.NewEngine(s, locker, memory.Config{
		ConsolidationMinCount: cfg.Memory.ConsolidationMinCount,
		MaxMemories:           cfg.Memory.MaxMemories,
		ContextLimit:          cfg.Memory.ContextLimit,
		MaintenanceWait:       seconds(cfg.Memory.MaintenanceWaitSecs),
	})

	contexts := generation.NewContextBuilder(s, a.memory, 5)
	gen := generation.NewGenerator(provider, s, contexts, generation.Config{
		FailureRetry: seconds(sc.FailureRetrySeconds),
		BlockedRetry: seconds(sc.BlockedRetrySeconds),
	})

	minDelay, maxDelay := secondsF(cfg.Timing.MinDelaySeconds), secondsF(cfg.Timing.MaxDelaySeconds)
	var policy timing.Policy
	if cfg.Timing.UseProvider {
		policy = timing.NewProviderPolicy(provider, minDelay, maxDelay)
	}
	oracle := timing.NewOracle(policy, timing.Config{
		Min:           minDelay,
		Max:           maxDelay,
		PolicyTimeout: seconds(cfg.Timing.PolicyTimeoutSeconds),
	})

	d := dispatch.New(dispatch.Deps{
		Store:       s,
		Queue:       a.queue,
		Locker:      locker,
		Oracle:      oracle,
		Reevaluator: gen,
		Receipts:    a.receipts,
		Bus:         a.bus,
		Notifier:    a.notifications,
		Metrics:     a.metrics,
	}, dispatch.Config{
		ReevaluationProbability: sc.ReevaluationProbability,
		DecisionMinDelay:        seconds(sc.DecisionMinDelaySeconds),
		DecisionMaxDelay:        seconds(sc.DecisionMaxDelaySeconds),
		InterruptPoll:           time.Duration(sc.InterruptPollMS) * time.Millisecond,
	})

	a.scheduler = scheduler.New(scheduler.Deps{
		Store:      s,
		Generator:  gen,
		Dispatcher: d,
		Queue:      a.queue,
		Locker:     locker,
		Oracle:     oracle,
		Receipts:   a.receipts,
		Metrics:    a.metrics,
		AfterRead:  []dispatch.Hook{a.evolveAfterRead},
	}, scheduler.Config{
		LockTTL:          cfg.LockTTL(),
		InterruptPoll:    time.Duration(sc.InterruptPollMS) * time.Millisecond,
		FailureRetry:     seconds(sc.FailureRetrySeconds),
		DecisionMinDelay: seconds(sc.DecisionMinDelaySeconds),
		DecisionMaxDelay: seconds(sc.DecisionMaxDelaySeconds),
	})

	a.rotator = season.NewRotator(provider, s, locker, a.bus, season.Config{
		Period: time.Duration(cfg.Season.RotationDays) * 24 * time.Hour,
	})

	a.tasks = &scheduler.Tasks{
		Scheduler:      a.scheduler,
		Store:          s,
		Queue:          a.queue,
		StateEvolver:   evolution.NewStateEvolver(provider, s, contexts, evolution.DefaultWindow),
		NaturalEvolver: evolution.NewNaturalEvolver(provider, s, contexts),
		Maintainer:     a.memory,
		Rotator:        a.rotator,
		Cron:           sc.PeriodicCron,
	}
	a.worker = scheduler.NewWorker(s, scheduler.WorkerConfig{
		Poll:        time.Duration(sc.WorkerPollMS) * time.Millisecond,
		Lease:       seconds(sc.WorkerLeaseSeconds),
		Concurrency: sc.WorkerConcurrency,
	}, a.metrics)
	a.tasks.Register(a.worker)

	telemetry.ObserveGauge("chatwithai/bus", "chatwithai.bus.dropped", "Events dropped by slow subscribers", func() int64 {
		return int64(a.bus.Dropped())
	})
	return a, nil
}

// evolveAfterRead lets a read-only turn change the persona's state too.
func (a *app) evolveAfterRead(ctx context.Context, conv store.Conversation) {
	if _, err := a.queue.Enqueue(ctx, queue.Action{Type: queue.TypeEvolveState, Scope: conv.ID}); err != nil {
		logger.WarnCF("app", "Evolution enqueue failed", map[string]interface{}{
			"conversation_id": conv.ID,
			"error":           err.Error(),
		})
	}
}

// startBackground recovers the queue and starts the worker. Stop it with
// stopBackground.
func (a *app) startBackground(ctx context.Context) error {
	if _, err := a.locker.ReapExpired(ctx); err != nil {
		logger.WarnCF("app", "Reaping expired locks failed", map[string]interface{}{"error": err.Error()})
	}
	if _, err := a.tasks.EnsurePeriodic(ctx); err != nil {
		return fmt.Errorf("schedule periodic tasks: %w", err)
	}
	if _, err := a.tasks.EnsureScheduled(ctx); err != nil {
		return fmt.Errorf("schedule conversations: %w", err)
	}
	a.worker.Start(ctx)
	return nil
}

func (a *app) stopBackground() {
	a.worker.Stop()
	a.notifications.Wait()
}

func (a *app) Close() error {
	a.bus.Close()
	return a.store.Close()
}

// ensurePersona returns the active persona, creating the first one when
// none exists yet.
func (a *app) ensurePersona(ctx context.Context) (store.Persona, error) {
	p, err := a.store.ActivePersona(ctx)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Persona{}, err
	}
	logger.InfoC("app", "No active persona, generating one")
	p, err = a.rotator.Initialize(ctx, "")
	if errors.Is(err, season.ErrActivePersona) {
		return a.store.ActivePersona(ctx)
	}
	return p, err
}

// sendHuman is the human write path shared by the CLI chat and tests.
func (a *app) sendHuman(ctx context.Context, conversationID, content string) (store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Message{}, fmt.Errorf("empty message")
	}
	msg, err := a.store.AppendMessage(ctx, store.Message{ConversationID: conversationID, Sender: store.SenderHuman, Content: content})
	if err != nil {
		return store.Message{}, err
	}
	a.bus.Publish(conversationID, bus.Event{
		Type: bus.EventMessage,
		Message: &bus.MessagePayload{
			ID:          msg.ID,
			Sender:      string(msg.Sender),
			Content:     msg.Content,
			CreatedAtMS: msg.CreatedAtMS,
		},
	})
	return msg, a.queue.DecideNow(ctx, conversationID)
}

func configureLogging(cfg *config.Config, debug bool) {
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if debug {
		logger.SetLevel(logger.DEBUG)
	}
	if cfg.Logging.File != "" {
		if err := logger.EnableFileLogging(cfg.Logging.File); err != nil {
			logger.WarnCF("app", "File logging disabled", map[string]interface{}{"error": err.Error()})
		}
	}
}
