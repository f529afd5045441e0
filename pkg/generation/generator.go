package generation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/messaging"
	"github.com/swparkaust/chat-with-ai/pkg/providers"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

type Action string

const (
	ActionRespond  Action = "respond"
	ActionReadOnly Action = "read_only"
	ActionWait     Action = "wait"
	ActionInitiate Action = "initiate"
)

func (a Action) Valid() bool {
	switch a {
	case ActionRespond, ActionReadOnly, ActionWait, ActionInitiate:
		return true
	}
	return false
}

// Mode selects the fragment prompt.
type Mode string

const (
	ModeRespond  Mode = "respond"
	ModeInitiate Mode = "initiate"
)

const (
	reasonFailed  = "결정 실패"
	reasonBlocked = "콘텐츠 차단됨"

	minWait = 10 * time.Second
	maxWait = 300 * time.Second
)

type Decision struct {
	Action Action
	Reason string
	// Wait is set for ActionWait only.
	Wait time.Duration
}

// Reevaluation is the verdict after a fragment was sent.
type Reevaluation struct {
	Continue bool
	Reason   string
	// Replacement, when non-nil, replaces the remaining fragments.
	Replacement []string
}

// Limits bound how many recent messages each prompt includes.
type Limits struct {
	Decision     int
	Response     int
	Initiation   int
	Reevaluation int
}

type Config struct {
	FailureRetry time.Duration
	BlockedRetry time.Duration
	Limits       Limits
}

// Generator asks the content provider for decisions and text. Provider
// failures never surface as errors: they degrade to a wait decision, no
// fragments, or "keep going". Returned errors are persistence failures.
type Generator struct {
	provider providers.Provider
	store    Store
	contexts *ContextBuilder
	cfg      Config
}

func NewGenerator(p providers.Provider, s Store, contexts *ContextBuilder, cfg Config) *Generator {
	if cfg.FailureRetry <= 0 {
		cfg.FailureRetry = 30 * time.Second
	}
	if cfg.BlockedRetry <= 0 {
		cfg.BlockedRetry = 60 * time.Second
	}
	if cfg.Limits.Decision <= 0 {
		cfg.Limits.Decision = 20
	}
	if cfg.Limits.Response <= 0 {
		cfg.Limits.Response = 30
	}
	if cfg.Limits.Initiation <= 0 {
		cfg.Limits.Initiation = 20
	}
	if cfg.Limits.Reevaluation <= 0 {
		cfg.Limits.Reevaluation = 10
	}
	return &Generator{provider: p, store: s, contexts: contexts, cfg: cfg}
}

func (g *Generator) Contexts() *ContextBuilder { return g.contexts }

// Decide picks the persona's next action for conv.
func (g *Generator) Decide(ctx context.Context, conv store.Conversation) (Decision, error) {
	persona, err := g.contexts.Build(ctx, conv.PersonaID, &conv)
	if err != nil {
		return Decision{}, err
	}
	history, err := g.store.ListRecentMessages(ctx, conv.ID, g.cfg.Limits.Decision)
	if err != nil {
		return Decision{}, fmt.Errorf("load decision history: %w", err)
	}
	unreadHuman, err := g.store.CountUnread(ctx, conv.ID, store.SenderHuman)
	if err != nil {
		return Decision{}, err
	}
	unreadAgent, err := g.store.CountUnread(ctx, conv.ID, store.SenderAgent)
	if err != nil {
		return Decision{}, err
	}

	prompt := decisionPrompt(persona.Context, messaging.FormatHistory(history, conv.ParticipantID, true), unreadHuman, unreadAgent)
	obj, err := providers.GenerateJSON(ctx, g.provider, prompt, providers.TemperatureCreative)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		if errors.Is(err, providers.ErrContentBlocked) {
			logger.WarnCF("generation", "Action decision blocked", map[string]interface{}{
				"conversation_id": conv.ID,
				"error":           err.Error(),
			})
			return Decision{Action: ActionWait, Reason: reasonBlocked, Wait: g.cfg.BlockedRetry}, nil
		}
		logger.WarnCF("generation", "Action decision failed", map[string]interface{}{
			"conversation_id": conv.ID,
			"error":           err.Error(),
		})
		return g.failed(), nil
	}
	return g.parseDecision(obj), nil
}

func (g *Generator) failed() Decision {
	return Decision{Action: ActionWait, Reason: reasonFailed, Wait: g.cfg.FailureRetry}
}

func (g *Generator) parseDecision(obj map[string]interface{}) Decision {
	action := Action(strings.ToLower(providers.String(obj, "action")))
	if !action.Valid() {
		return g.failed()
	}
	d := Decision{Action: action, Reason: providers.String(obj, "reason")}
	if action != ActionWait {
		return d
	}
	d.Wait = g.cfg.FailureRetry
	if s, ok := providers.Number(obj, "wait_seconds"); ok && !math.IsNaN(s) {
		d.Wait = time.Duration(s * float64(time.Second))
	}
	if d.Wait < minWait {
		d.Wait = minWait
	}
	if d.Wait > maxWait {
		d.Wait = maxWait
	}
	return d
}

// Fragments generates the persona's next messages. A provider failure
// yields no fragments.
func (g *Generator) Fragments(ctx context.Context, conv store.Conversation, mode Mode) ([]string, error) {
	persona, err := g.contexts.Build(ctx, conv.PersonaID, &conv)
	if err != nil {
		return nil, err
	}

	var prompt string
	switch mode {
	case ModeInitiate:
		history, err := g.store.ListRecentMessages(ctx, conv.ID, g.cfg.Limits.Initiation)
		if err != nil {
			return nil, fmt.Errorf("load initiation history: %w", err)
		}
		prompt = initiationPrompt(persona.Context, messaging.FormatHistory(history, conv.ParticipantID, true), conv.ParticipantID)
	default:
		history, err := g.store.ListRecentMessages(ctx, conv.ID, g.cfg.Limits.Response)
		if err != nil {
			return nil, fmt.Errorf("load response history: %w", err)
		}
		unread, err := g.store.UnreadHumanMessages(ctx, conv.ID)
		if err != nil {
			return nil, fmt.Errorf("load unread messages: %w", err)
		}
		prompt = responsePrompt(persona.Context,
			messaging.FormatHistory(history, conv.ParticipantID, true),
			messaging.FormatHistory(unread, conv.ParticipantID, false))
	}

	text, err := g.provider.GenerateText(ctx, prompt, providers.TemperatureCreative)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.WarnCF("generation", "Fragment generation failed", map[string]interface{}{
			"conversation_id": conv.ID,
			"mode":            string(mode),
			"error":           err.Error(),
		})
		return nil, nil
	}
	fragments := SplitFragments(text)
	logger.InfoCF("generation", "Generated fragments", map[string]interface{}{
		"conversation_id": conv.ID,
		"mode":            string(mode),
		"count":           len(fragments),
	})
	return fragments, nil
}

// SplitFragments splits text into one fragment per non-blank line.
func SplitFragments(text string) []string {
	out := []string{}
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Reevaluate asks whether to keep sending after sent went out. Empty
// remaining is trivially a continue.
func (g *Generator) Reevaluate(ctx context.Context, conv store.Conversation, sent, remaining []string) (Reevaluation, error) {
	keepGoing := Reevaluation{Continue: true}
	if len(remaining) == 0 {
		return keepGoing, nil
	}
	persona, err := g.contexts.Build(ctx, conv.PersonaID, &conv)
	if err != nil {
		return Reevaluation{}, err
	}
	history, err := g.store.ListRecentMessages(ctx, conv.ID, g.cfg.Limits.Reevaluation)
	if err != nil {
		return Reevaluation{}, fmt.Errorf("load reevaluation history: %w", err)
	}

	prompt := reevaluationPrompt(persona.Context, messaging.FormatHistory(history, conv.ParticipantID, true), sent, remaining)
	obj, err := providers.GenerateJSON(ctx, g.provider, prompt, providers.TemperatureFocused)
	if err != nil {
		if ctx.Err() != nil {
			return Reevaluation{}, ctx.Err()
		}
		logger.WarnCF("generation", "Fragment reevaluation failed", map[string]interface{}{
			"conversation_id": conv.ID,
			"error":           err.Error(),
		})
		return keepGoing, nil
	}

	verdict := Reevaluation{Continue: true, Reason: providers.String(obj, "reason")}
	if v, ok := providers.Bool(obj, "should_continue"); ok {
		verdict.Continue = v
	}
	if !verdict.Continue {
		return verdict, nil
	}
	if updated, ok := providers.Strings(obj, "updated_fragments"); ok {
		verdict.Replacement = updated
	}
	return verdict, nil
}
