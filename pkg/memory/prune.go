package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

// PruningScore ranks how worth keeping a memory is; higher survives.
func PruningScore(m store.Memory, now time.Time) float64 {
	agePenalty := 1.0 / (1.0 + ageDays(m, now)/30.0)
	emotionalWeight := 1.0 + m.EmotionalIntensity/10.0
	recallBonus := math.Log(float64(m.RecallCount) + 1)
	return m.Significance*m.DetailLevel*agePenalty*emotionalWeight + recallBonus
}

// Prune deletes the lowest-scoring memories until the collection is back
// at the cap. Ties drop the older memory first.
func (e *Engine) Prune(ctx context.Context, personaID string) (int, error) {
	memories, err := e.store.ListMemories(ctx, personaID)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	excess := len(memories) - e.cfg.MaxMemories
	if excess <= 0 {
		return 0, nil
	}

	now := e.now()
	type scored struct {
		m     store.Memory
		score float64
	}
	ranked := make([]scored, 0, len(memories))
	for _, m := range memories {
		ranked = append(ranked, scored{m: m, score: PruningScore(m, now)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score < ranked[j].score
		}
		return ranked[i].m.MemoryAtMS < ranked[j].m.MemoryAtMS
	})

	ids := make([]string, 0, excess)
	for _, r := range ranked[:excess] {
		ids = append(ids, r.m.ID)
	}
	n, err := e.store.DeleteMemories(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	logger.InfoCF("memory", "Memories pruned", map[string]interface{}{
		"persona_id": personaID,
		"pruned":     n,
		"remaining":  len(memories) - n,
	})
	return n, nil
}
