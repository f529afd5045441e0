package memory

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

const (
	decayFloor          = 0.05
	decayNoiseThreshold = 0.05
)

// baseDecayRate is the monthly retention factor for a significance tier.
func baseDecayRate(significance float64) float64 {
	switch {
	case significance >= 9.0:
		return 0.99
	case significance >= 7.0:
		return 0.90
	case significance >= 4.0:
		return 0.80
	default:
		return 0.70
	}
}

// DecayedDetail computes the detail level m should have at now. The result
// never exceeds the current level.
func DecayedDetail(m store.Memory, now time.Time) float64 {
	protection := 0.3 + 0.7*(m.EmotionalIntensity/10.0)
	next := protection * math.Pow(baseDecayRate(m.Significance), ageDays(m, now)/30.0)
	next = math.Max(next, decayFloor)
	return math.Min(next, m.DetailLevel)
}

// ApplyDecay recomputes detail levels for the persona's memories and
// returns how many changed by more than the noise threshold.
func (e *Engine) ApplyDecay(ctx context.Context, personaID string) (int, error) {
	memories, err := e.store.ListMemories(ctx, personaID)
	if err != nil {
		return 0, fmt.Errorf("apply decay: %w", err)
	}
	now := e.now()
	changed := map[string]float64{}
	for _, m := range memories {
		next := DecayedDetail(m, now)
		if math.Abs(m.DetailLevel-next) > decayNoiseThreshold {
			changed[m.ID] = next
		}
	}
	if len(changed) == 0 {
		return 0, nil
	}
	if err := e.store.UpdateMemoryDetails(ctx, changed); err != nil {
		return 0, fmt.Errorf("apply decay: %w", err)
	}
	logger.DebugCF("memory", "Decay applied", map[string]interface{}{
		"persona_id": personaID,
		"changed":    len(changed),
		"total":      len(memories),
	})
	return len(changed), nil
}
