// Package evolution keeps the persona's state moving: after every turn from
// what was said, and hourly from the passage of time alone.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/generation"
	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/messaging"
	"github.com/swparkaust/chat-with-ai/pkg/providers"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

// DefaultWindow is how many recent messages a post-turn evolution reads.
const DefaultWindow = 15

type Store interface {
	GetConversation(ctx context.Context, id string) (store.Conversation, error)
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	MergePersonaState(ctx context.Context, personaID string, fn func(attrs *store.Attributes) error) (store.PersonaState, error)
	UpdatePersonaStatus(ctx context.Context, id, status string) error
	InsertMemory(ctx context.Context, m store.Memory) (store.Memory, error)
}

// StateEvolver updates the persona from the conversation that just happened.
type StateEvolver struct {
	provider providers.Provider
	store    Store
	contexts *generation.ContextBuilder
	window   int
	now      func() time.Time
}

func NewStateEvolver(p providers.Provider, s Store, contexts *generation.ContextBuilder, window int) *StateEvolver {
	if window <= 0 {
		window = DefaultWindow
	}
	return &StateEvolver{provider: p, store: s, contexts: contexts, window: window, now: time.Now}
}

// AfterTurn evolves the persona of conversationID. Provider failures are
// logged and dropped; only persistence failures are returned.
func (e *StateEvolver) AfterTurn(ctx context.Context, conversationID string) error {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if !conv.Active {
		return nil
	}

	persona, err := e.contexts.Build(ctx, conv.PersonaID, &conv)
	if err != nil {
		return err
	}
	recent, err := e.store.ListRecentMessages(ctx, conv.ID, e.window)
	if err != nil {
		return fmt.Errorf("load recent messages: %w", err)
	}

	now := e.now()
	prompt := stateEvolutionPrompt(persona.Context, messaging.FormatHistory(recent, conv.ParticipantID, false), conv.ParticipantID, now)
	updates, err := providers.GenerateJSON(ctx, e.provider, prompt, providers.TemperatureCreative)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WarnCF("evolution", "State evolution failed", map[string]interface{}{
			"conversation_id": conv.ID,
			"error":           err.Error(),
		})
		return nil
	}
	if len(updates) == 0 {
		return nil
	}

	newMemory, _ := updates["new_memory"].(map[string]interface{})
	status := providers.String(updates, "status_message")
	delete(updates, "new_memory")
	delete(updates, "status_message")

	state, err := e.store.MergePersonaState(ctx, conv.PersonaID, func(attrs *store.Attributes) error {
		for _, key := range sortedKeys(updates) {
			if v := updates[key]; v != nil {
				attrs.Set(key, v)
			}
		}
		attrs.SetEmotionTimestamp(now)
		return nil
	})
	if err != nil {
		return err
	}

	if status != "" {
		if err := e.store.UpdatePersonaStatus(ctx, conv.PersonaID, status); err != nil {
			return err
		}
	}

	var memoryID string
	if newMemory != nil {
		m, ok := memoryFromUpdate(conv.PersonaID, newMemory, now)
		if ok {
			saved, err := e.store.InsertMemory(ctx, m)
			if err != nil {
				return err
			}
			memoryID = saved.ID
		}
	}

	logger.InfoCF("evolution", "Persona state evolved", map[string]interface{}{
		"conversation_id": conv.ID,
		"persona_id":      conv.PersonaID,
		"fields":          len(updates),
		"revision":        state.Revision,
		"status_updated":  status != "",
		"memory_id":       memoryID,
	})
	return nil
}

func memoryFromUpdate(personaID string, raw map[string]interface{}, now time.Time) (store.Memory, bool) {
	content := providers.String(raw, "content")
	if content == "" {
		return store.Memory{}, false
	}
	m := store.Memory{
		PersonaID:          personaID,
		Content:            content,
		Significance:       5,
		EmotionalIntensity: 5,
		DetailLevel:        1,
		MemoryAtMS:         now.UnixMilli(),
	}
	if v, ok := providers.Number(raw, "significance"); ok {
		m.Significance = clampScore(v)
	}
	if v, ok := providers.Number(raw, "emotional_intensity"); ok {
		m.EmotionalIntensity = clampScore(v)
	}
	if tags, ok := providers.Strings(raw, "tags"); ok {
		m.Tags = tags
	}
	return m, true
}

func clampScore(v float64) float64 {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
