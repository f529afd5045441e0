// Package dispatch sends a generated reply fragment by fragment, with a
// typing indicator and a human-plausible delay before each one, stopping as
// soon as the human writes again.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/swparkaust/chat-with-ai/pkg/bus"
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
	GetPersona(ctx context.Context, id string) (store.Persona, error)
	GetPersonaState(ctx context.Context, personaID string) (store.PersonaState, error)
	AppendMessage(ctx context.Context, m store.Message) (store.Message, error)
	CountHumanMessagesAfter(ctx context.Context, conversationID string, afterSeq int64) (int, error)
	CountUnread(ctx context.Context, conversationID string, sender store.Sender) (int, error)
	LatestMessageSeq(ctx context.Context, conversationID string) (int64, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, a queue.Action) (store.Job, error)
}

type Oracle interface {
	DelayFor(ctx context.Context, req timing.Request) time.Duration
}

type Reevaluator interface {
	Reevaluate(ctx context.Context, conv store.Conversation, sent, remaining []string) (generation.Reevaluation, error)
}

type ReadMarker interface {
	MarkHumanReadThrough(ctx context.Context, conversationID string, throughSeq int64, bypassFocus bool) ([]string, error)
}

type Notifier interface {
	NewMessage(conv store.Conversation, persona store.Persona, msg store.Message)
}

// Hook runs after a turn that was not interrupted.
type Hook func(ctx context.Context, conv store.Conversation)

type Deps struct {
	Store       Store
	Queue       Enqueuer
	Locker      lock.Locker
	Oracle      Oracle
	Reevaluator Reevaluator
	Receipts    ReadMarker
	Bus         bus.Broadcaster
	Notifier    Notifier
	Metrics     *telemetry.Instruments
	AfterTurn   []Hook
}

type Config struct {
	ReevaluationProbability float64
	DecisionMinDelay        time.Duration
	DecisionMaxDelay        time.Duration
	// InterruptPoll is how often a reevaluation in flight checks for new
	// human messages.
	InterruptPoll time.Duration
}

type Dispatcher struct {
	deps Deps
	cfg  Config
	rand func() float64
}

func New(deps Deps, cfg Config) *Dispatcher {
	if cfg.ReevaluationProbability < 0 {
		cfg.ReevaluationProbability = 0
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
	if cfg.InterruptPoll <= 0 {
		cfg.InterruptPoll = generation.DefaultPoll
	}
	return &Dispatcher{deps: deps, cfg: cfg, rand: rand.Float64}
}

// SetRandom replaces the source used for reevaluation rolls and idle delays.
func (d *Dispatcher) SetRandom(r func() float64) { d.rand = r }

// Begin takes ownership of the conversation lock held under lockToken and
// schedules the first typing step. On error the caller still owns the lock.
func (d *Dispatcher) Begin(ctx context.Context, conv store.Conversation, mode generation.Mode, fragments []string, watermarkSeq int64, lockToken string) (Turn, error) {
	if len(fragments) == 0 {
		return Turn{}, fmt.Errorf("begin turn: no fragments")
	}
	t := Turn{
		ConversationID: conv.ID,
		PersonaID:      conv.PersonaID,
		TurnID:         "turn-" + uuid.NewString(),
		Mode:           mode,
		Fragments:      append([]string(nil), fragments...),
		Phase:          PhaseTyping,
		WatermarkSeq:   watermarkSeq,
		LockToken:      lockToken,
	}
	if err := d.schedule(ctx, t, time.Time{}); err != nil {
		return Turn{}, err
	}
	logger.InfoCF("dispatch", "Turn started", map[string]interface{}{
		"conversation_id": conv.ID,
		"turn_id":         t.TurnID,
		"mode":            string(mode),
		"fragments":       len(fragments),
	})
	return t, nil
}

func (d *Dispatcher) schedule(ctx context.Context, t Turn, notBefore time.Time) error {
	payload, err := t.Payload()
	if err != nil {
		return err
	}
	_, err = d.deps.Queue.Enqueue(ctx, queue.Action{
		Type:        queue.TypeFragmentStep,
		Scope:       t.ConversationID,
		Payload:     payload,
		NotBefore:   notBefore,
		MaxAttempts: 1,
	})
	if err != nil {
		return fmt.Errorf("schedule fragment %d (%s): %w", t.Index, t.Phase, err)
	}
	return nil
}

// Step advances the turn by one phase and returns the final outcome, or ""
// while the turn continues. Unless the next step was handed to the queue,
// the conversation lock is released before Step returns, on error paths
// included. handedOff also records that finalize already released it.
func (d *Dispatcher) Step(ctx context.Context, t Turn) (outcome Outcome, err error) {
	handedOff := false
	defer func() {
		if !handedOff {
			d.release(ctx, t)
		}
	}()

	conv, err := d.deps.Store.GetConversation(ctx, t.ConversationID)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	if !conv.Active {
		logger.InfoCF("dispatch", "Conversation inactive, dropping turn", map[string]interface{}{
			"conversation_id": t.ConversationID,
			"turn_id":         t.TurnID,
		})
		return OutcomeStopped, nil
	}

	if t.Index >= len(t.Fragments) {
		return OutcomeCompleted, d.finalize(ctx, conv, t, OutcomeCompleted, &handedOff)
	}

	interrupted, err := d.interrupted(ctx, t)
	if err != nil {
		return "", err
	}
	if interrupted {
		if t.Phase == PhaseSend {
			d.typing(t.ConversationID, false)
		}
		return OutcomeInterrupted, d.finalize(ctx, conv, t, OutcomeInterrupted, &handedOff)
	}

	switch t.Phase {
	case PhaseTyping:
		fragment := t.Fragments[t.Index]
		delay := d.deps.Oracle.DelayFor(ctx, timing.Request{
			Kind:           timing.BetweenFragments,
			Fragment:       fragment,
			Remaining:      len(t.Fragments) - t.Index - 1,
			PersonaContext: d.personaSummary(ctx, t.PersonaID),
		})
		d.typing(t.ConversationID, true)

		next := t
		next.Phase = PhaseSend
		if err := d.schedule(ctx, next, time.Now().Add(delay)); err != nil {
			d.typing(t.ConversationID, false)
			return "", err
		}
		handedOff = true
		return "", nil

	case PhaseSend:
		return d.send(ctx, conv, t, &handedOff)

	default:
		return "", fmt.Errorf("unknown turn phase %q", t.Phase)
	}
}

func (d *Dispatcher) send(ctx context.Context, conv store.Conversation, t Turn, handedOff *bool) (Outcome, error) {
	msg, err := d.deps.Store.AppendMessage(ctx, store.Message{
		ConversationID: t.ConversationID,
		Sender:         store.SenderAgent,
		Content:        t.Fragments[t.Index],
		IsFragment:     true,
		FragmentIndex:  t.Index,
		TurnID:         t.TurnID,
	})
	if err != nil {
		d.typing(t.ConversationID, false)
		if errors.Is(err, store.ErrConversationInactive) {
			return OutcomeStopped, nil
		}
		return "", fmt.Errorf("persist fragment %d: %w", t.Index, err)
	}
	t.Sent++
	d.deps.Metrics.FragmentSent(ctx)

	if d.deps.Bus != nil {
		d.deps.Bus.Publish(t.ConversationID, bus.Event{
			Type: bus.EventMessage,
			Message: &bus.MessagePayload{
				ID:            msg.ID,
				Sender:        string(msg.Sender),
				Content:       msg.Content,
				CreatedAtMS:   msg.CreatedAtMS,
				IsFragment:    true,
				FragmentIndex: msg.FragmentIndex,
			},
		})
	}
	if d.deps.Notifier != nil {
		if persona, err := d.deps.Store.GetPersona(ctx, t.PersonaID); err == nil {
			d.deps.Notifier.NewMessage(conv, persona, msg)
		}
	}
	d.typing(t.ConversationID, false)

	if t.Index < len(t.Fragments)-1 && d.rand() < d.cfg.ReevaluationProbability {
		// Reevaluation reads history after this point, so everything up to
		// seen is accounted for. Anything later interrupts the turn.
		seen, err := d.deps.Store.LatestMessageSeq(ctx, t.ConversationID)
		if err != nil {
			return "", err
		}
		verdict, err := d.reevaluate(ctx, conv, t, seen)
		if errors.Is(err, generation.ErrInterrupted) {
			logger.InfoCF("dispatch", "Human wrote during reevaluation", map[string]interface{}{
				"conversation_id": t.ConversationID,
				"turn_id":         t.TurnID,
			})
			return OutcomeInterrupted, d.finalize(ctx, conv, t, OutcomeInterrupted, handedOff)
		}
		if err != nil {
			return "", err
		}
		if _, err := d.deps.Receipts.MarkHumanReadThrough(ctx, t.ConversationID, seen, true); err != nil {
			return "", err
		}
		t.WatermarkSeq = seen

		if !verdict.Continue {
			logger.InfoCF("dispatch", "Stopping after reevaluation", map[string]interface{}{
				"conversation_id": t.ConversationID,
				"turn_id":         t.TurnID,
				"sent":            t.Sent,
				"reason":          verdict.Reason,
			})
			return OutcomeStopped, d.finalize(ctx, conv, t, OutcomeStopped, handedOff)
		}
		if verdict.Replacement != nil {
			kept := append([]string(nil), t.Fragments[:t.Index+1]...)
			t.Fragments = append(kept, verdict.Replacement...)
			logger.DebugCF("dispatch", "Remaining fragments replaced", map[string]interface{}{
				"conversation_id": t.ConversationID,
				"remaining":       len(verdict.Replacement),
			})
		}
	}

	if t.Index+1 < len(t.Fragments) {
		next := t
		next.Index++
		next.Phase = PhaseTyping
		if err := d.schedule(ctx, next, time.Time{}); err != nil {
			return "", err
		}
		*handedOff = true
		return "", nil
	}
	return OutcomeCompleted, d.finalize(ctx, conv, t, OutcomeCompleted, handedOff)
}

type reevaluated struct {
	verdict generation.Reevaluation
	err     error
}

// reevaluate runs the reevaluation as a task that is abandoned with
// generation.ErrInterrupted once a human message newer than seen exists.
func (d *Dispatcher) reevaluate(ctx context.Context, conv store.Conversation, t Turn, seen int64) (generation.Reevaluation, error) {
	sent, remaining := t.Fragments[:t.Index+1], t.Fragments[t.Index+1:]
	task := generation.Start(ctx, func(ctx context.Context) reevaluated {
		v, err := d.deps.Reevaluator.Reevaluate(ctx, conv, sent, remaining)
		return reevaluated{verdict: v, err: err}
	})
	res, err := task.Await(ctx, d.cfg.InterruptPoll, func(ctx context.Context) (bool, error) {
		n, err := d.deps.Store.CountHumanMessagesAfter(ctx, t.ConversationID, seen)
		if err != nil {
			return false, fmt.Errorf("check interruption: %w", err)
		}
		return n > 0, nil
	}, reevaluated{})
	if err != nil {
		return generation.Reevaluation{}, err
	}
	return res.verdict, res.err
}

func (d *Dispatcher) interrupted(ctx context.Context, t Turn) (bool, error) {
	n, err := d.deps.Store.CountHumanMessagesAfter(ctx, t.ConversationID, t.WatermarkSeq)
	if err != nil {
		return false, fmt.Errorf("check interruption: %w", err)
	}
	return n > 0, nil
}

// finalize closes the turn: state evolution is queued, the lock released
// and the next decision scheduled. An immediately due decision must not
// find the lock still held, so release happens first and released is set
// for the caller's deferred release.
func (d *Dispatcher) finalize(ctx context.Context, conv store.Conversation, t Turn, outcome Outcome, released *bool) error {
	logger.InfoCF("dispatch", "Turn finalized", map[string]interface{}{
		"conversation_id": t.ConversationID,
		"turn_id":         t.TurnID,
		"outcome":         string(outcome),
		"sent":            t.Sent,
		"planned":         len(t.Fragments),
	})
	d.deps.Metrics.Turn(ctx, string(outcome))

	if _, err := d.deps.Queue.Enqueue(ctx, queue.Action{Type: queue.TypeEvolveState, Scope: t.ConversationID}); err != nil {
		return fmt.Errorf("finalize turn: %w", err)
	}

	if outcome == OutcomeInterrupted {
		d.release(ctx, t)
		*released = true
		return d.decide(ctx, t.ConversationID, 0)
	}

	for _, hook := range d.deps.AfterTurn {
		hook(ctx, conv)
	}
	unread, err := d.deps.Store.CountUnread(ctx, t.ConversationID, store.SenderHuman)
	if err != nil {
		return fmt.Errorf("finalize turn: %w", err)
	}
	d.release(ctx, t)
	*released = true
	if unread > 0 {
		return d.decide(ctx, t.ConversationID, 0)
	}
	return d.decide(ctx, t.ConversationID, queue.RandomDelay(d.rand(), d.cfg.DecisionMinDelay, d.cfg.DecisionMaxDelay))
}

func (d *Dispatcher) decide(ctx context.Context, conversationID string, delay time.Duration) error {
	_, err := d.deps.Queue.Enqueue(ctx, queue.Action{
		Type:      queue.TypeDecide,
		Scope:     conversationID,
		NotBefore: time.Now().Add(delay),
	})
	if err != nil {
		return fmt.Errorf("finalize turn: %w", err)
	}
	return nil
}

func (d *Dispatcher) release(ctx context.Context, t Turn) {
	if t.LockToken == "" || d.deps.Locker == nil {
		return
	}
	if err := d.deps.Locker.Release(context.WithoutCancel(ctx), lock.ConversationKey(t.ConversationID), t.LockToken); err != nil {
		logger.WarnCF("dispatch", "Lock release failed", map[string]interface{}{
			"conversation_id": t.ConversationID,
			"error":           err.Error(),
		})
	}
}

func (d *Dispatcher) typing(conversationID string, on bool) {
	if d.deps.Bus != nil {
		d.deps.Bus.Publish(conversationID, bus.TypingEvent(on))
	}
}

func (d *Dispatcher) personaSummary(ctx context.Context, personaID string) string {
	state, err := d.deps.Store.GetPersonaState(ctx, personaID)
	if err != nil {
		return ""
	}
	return state.Attributes.Summary()
}
