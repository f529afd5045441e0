package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/memory"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

// Store is the read surface prompt building needs.
type Store interface {
	GetPersona(ctx context.Context, id string) (store.Persona, error)
	GetPersonaState(ctx context.Context, personaID string) (store.PersonaState, error)
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	UnreadHumanMessages(ctx context.Context, conversationID string) ([]store.Message, error)
	CountUnread(ctx context.Context, conversationID string, sender store.Sender) (int, error)
}

// MemorySource surfaces memories into prompts. Surfacing counts as a recall.
type MemorySource interface {
	RelevantMemories(ctx context.Context, personaID string, keywords []string) ([]store.Memory, error)
}

// Persona bundles what a prompt needs to speak as the persona.
type Persona struct {
	Persona store.Persona
	State   store.PersonaState
	// Context is the rendered system context.
	Context string
}

// ContextBuilder renders the persona's system context: identity, the
// attribute sheet, current emotions and relevant memories.
type ContextBuilder struct {
	store         Store
	memories      MemorySource
	keywordWindow int
	now           func() time.Time
}

func NewContextBuilder(s Store, memories MemorySource, keywordWindow int) *ContextBuilder {
	if keywordWindow <= 0 {
		keywordWindow = 5
	}
	return &ContextBuilder{store: s, memories: memories, keywordWindow: keywordWindow, now: time.Now}
}

// Build loads personaID and renders its context. conv may be nil for
// prompts that are not part of a conversation.
func (b *ContextBuilder) Build(ctx context.Context, personaID string, conv *store.Conversation) (Persona, error) {
	p, err := b.store.GetPersona(ctx, personaID)
	if err != nil {
		return Persona{}, fmt.Errorf("load persona: %w", err)
	}
	state, err := b.store.GetPersonaState(ctx, personaID)
	if err != nil {
		return Persona{}, fmt.Errorf("load persona state: %w", err)
	}

	var recent []store.Message
	if conv != nil {
		recent, err = b.store.ListRecentMessages(ctx, conv.ID, b.keywordWindow)
		if err != nil {
			return Persona{}, fmt.Errorf("load keyword messages: %w", err)
		}
	}
	var memories []store.Memory
	if b.memories != nil {
		memories, err = b.memories.RelevantMemories(ctx, personaID, memory.Keywords(recent, state.Attributes.Emotions()))
		if err != nil {
			return Persona{}, err
		}
	}

	return Persona{
		Persona: p,
		State:   state,
		Context: b.render(p, state.Attributes, memories, conv),
	}, nil
}

func (b *ContextBuilder) render(p store.Persona, attrs store.Attributes, memories []store.Memory, conv *store.Conversation) string {
	now := b.now()
	var sb strings.Builder

	intro := fmt.Sprintf("You are %s", p.FullName())
	if age, ok := attrs.Age(now); ok {
		intro += fmt.Sprintf(", a %d-year-old", age)
	} else {
		intro += ", a"
	}
	if sex := attrs.String("sex"); sex != "" {
		intro += " " + sex
	}
	sb.WriteString(intro + " Korean person.\n\n")
	fmt.Fprintf(&sb, "Current Date & Time: %s\n", now.Format("2006년 01월 02일 Monday 15:04"))
	if p.StatusMessage != "" {
		fmt.Fprintf(&sb, "Status Message: %s\n", p.StatusMessage)
	}

	sb.WriteString("\n=== WHO YOU ARE ===\n")
	for _, key := range attrs.Keys() {
		switch key {
		case store.AttrEmotions, store.AttrEmotionDescription, store.AttrEmotionTimestamp, store.AttrContext:
			continue
		}
		if v := attrs.String(key); v != "" {
			fmt.Fprintf(&sb, "%s: %s\n", humanize(key), v)
		}
	}

	sb.WriteString("\n=== CURRENT STATE ===\n")
	fmt.Fprintf(&sb, "Emotions: %s\n", strings.Join(attrs.Emotions(), ", "))
	if d := attrs.String(store.AttrEmotionDescription); d != "" {
		fmt.Fprintf(&sb, "Emotion Description: %s\n", d)
	}
	if c := attrs.Context(); c != "" {
		fmt.Fprintf(&sb, "Context: %s\n", c)
	}

	sb.WriteString("\n=== RELEVANT MEMORIES ===\n")
	sb.WriteString(memory.FormatForPrompt(memories))
	sb.WriteString("\n\n=== CRITICAL INSTRUCTIONS ===\n")
	sb.WriteString("1. You are a real person, not an AI. Never break character.\n")
	if conv != nil {
		fmt.Fprintf(&sb, `2. This is a private one-on-one conversation between you and %s.
3. Text in Korean only, in natural Korean messaging style.
4. Fragment your messages into several short messages. Use Korean internet slang, no emojis.
5. Respond according to your emotional state. You may choose not to respond, argue or be moody.
6. Never call %s "상대방".
`, conv.ParticipantID, conv.ParticipantID)
	} else {
		sb.WriteString(`2. Think and reason as this person would naturally.
3. Consider how passing time affects your emotional state and context.
`)
	}
	return sb.String()
}

func humanize(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
