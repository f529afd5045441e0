package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

// Recall marks a memory as surfaced into generation context.
func (e *Engine) Recall(ctx context.Context, memoryID string) error {
	if err := e.store.RecallMemory(ctx, memoryID, e.now().UnixMilli()); err != nil {
		return fmt.Errorf("recall memory %s: %w", memoryID, err)
	}
	return nil
}

// RelevantMemories returns the most significant memories whose tags match
// any keyword (all memories when no keywords are given) and recalls each one.
func (e *Engine) RelevantMemories(ctx context.Context, personaID string, keywords []string) ([]store.Memory, error) {
	memories, err := e.store.MemoriesByTags(ctx, personaID, keywords, e.cfg.ContextLimit)
	if err != nil {
		return nil, fmt.Errorf("relevant memories: %w", err)
	}
	for _, m := range memories {
		if err := e.Recall(ctx, m.ID); err != nil {
			logger.WarnCF("memory", "Recall failed", map[string]interface{}{
				"memory_id": m.ID,
				"error":     err.Error(),
			})
		}
	}
	return memories, nil
}

// Keywords builds a tag query from recent message text and current emotions.
func Keywords(messages []store.Message, emotions []string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	add := func(w string) {
		w = strings.Trim(strings.TrimSpace(w), ".,!?~…\"'()[]")
		if w == "" {
			return
		}
		if _, ok := seen[w]; ok {
			return
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	for _, m := range messages {
		for _, w := range strings.Fields(m.Content) {
			add(w)
		}
	}
	for _, e := range emotions {
		add(e)
	}
	return out
}

// Describe renders a memory the way the persona remembers it: faded
// memories carry a blur marker.
func Describe(m store.Memory) string {
	switch {
	case m.DetailLevel > 0.8:
		return m.Content
	case m.DetailLevel > 0.5:
		return m.Content + " (기억이 조금 흐릿함)"
	default:
		return m.Content + " (기억이 많이 희미함)"
	}
}

// FormatForPrompt joins described memories for a prompt section.
func FormatForPrompt(memories []store.Memory) string {
	if len(memories) == 0 {
		return "아직 특별한 기억 없음"
	}
	parts := make([]string, 0, len(memories))
	for _, m := range memories {
		parts = append(parts, Describe(m))
	}
	return strings.Join(parts, ", ")
}
