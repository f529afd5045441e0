package evolution

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/generation"
	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/providers"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

// Keys of the natural evolution answer that are not attributes.
var naturalControlKeys = map[string]bool{
	"new_emotions":            true,
	"new_emotion_description": true,
	"new_context":             true,
	"reason":                  true,
}

type StateMerger interface {
	MergePersonaState(ctx context.Context, personaID string, fn func(attrs *store.Attributes) error) (store.PersonaState, error)
}

// NaturalEvolver lets emotions and context drift while nobody is talking.
type NaturalEvolver struct {
	provider providers.Provider
	store    StateMerger
	contexts *generation.ContextBuilder
	now      func() time.Time
}

func NewNaturalEvolver(p providers.Provider, s StateMerger, contexts *generation.ContextBuilder) *NaturalEvolver {
	return &NaturalEvolver{provider: p, store: s, contexts: contexts, now: time.Now}
}

// Evolve runs one natural evolution step for personaID.
func (e *NaturalEvolver) Evolve(ctx context.Context, personaID string) error {
	persona, err := e.contexts.Build(ctx, personaID, nil)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !persona.Persona.Active {
		return nil
	}

	now := e.now()
	var age time.Duration
	if since, ok := persona.State.Attributes.EmotionTimestamp(); ok && now.After(since) {
		age = now.Sub(since)
	}

	updates, err := providers.GenerateJSON(ctx, e.provider, naturalEvolutionPrompt(persona.Context, age), providers.TemperatureCreative)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WarnCF("evolution", "Natural evolution failed", map[string]interface{}{
			"persona_id": personaID,
			"error":      err.Error(),
		})
		return nil
	}
	if len(updates) == 0 {
		return nil
	}

	var emotionsChanged, contextChanged bool
	changed := 0
	_, err = e.store.MergePersonaState(ctx, personaID, func(attrs *store.Attributes) error {
		if emotions, ok := providers.Strings(updates, "new_emotions"); ok && len(emotions) > 0 && !slices.Equal(emotions, attrs.Emotions()) {
			attrs.Set(store.AttrEmotions, emotions)
			if desc := providers.String(updates, "new_emotion_description"); desc != "" {
				attrs.Set(store.AttrEmotionDescription, desc)
			}
			attrs.SetEmotionTimestamp(now)
			emotionsChanged = true
		}
		if c := providers.String(updates, "new_context"); c != "" && c != attrs.Context() {
			attrs.Set(store.AttrContext, c)
			contextChanged = true
		}
		for _, key := range sortedKeys(updates) {
			v := updates[key]
			if naturalControlKeys[key] || v == nil {
				continue
			}
			if old, ok := attrs.Get(key); ok && reflect.DeepEqual(old, v) {
				continue
			}
			attrs.Set(key, v)
			changed++
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.InfoCF("evolution", "Natural evolution applied", map[string]interface{}{
		"persona_id":       personaID,
		"emotion_minutes":  age.Minutes(),
		"emotions_changed": emotionsChanged,
		"context_changed":  contextChanged,
		"fields_changed":   changed,
		"reason":           providers.String(updates, "reason"),
	})
	return nil
}
