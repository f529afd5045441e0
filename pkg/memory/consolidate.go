package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

const (
	similarityThreshold      = 40.0
	consolidationMinAgeDays  = 14.0
	protectedDetailLevel     = 0.7
	protectedSignificance    = 6.5
	consolidatedTopTagsLimit = 3
)

// TagSimilarity is the shared-tag percentage relative to the larger tag set.
func TagSimilarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	shared := 0
	seen := map[string]struct{}{}
	for _, t := range b {
		if _, ok := set[t]; !ok {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		shared++
	}
	if shared == 0 {
		return 0
	}
	larger := len(a)
	if len(b) > larger {
		larger = len(b)
	}
	return float64(shared) / float64(larger) * 100
}

func consolidatable(m store.Memory, now time.Time) bool {
	return ageDays(m, now) >= consolidationMinAgeDays &&
		m.DetailLevel <= protectedDetailLevel &&
		m.Significance < protectedSignificance
}

// topTags returns the n most frequent tags; ties keep first appearance.
func topTags(cluster []store.Memory, n int) []string {
	counts := map[string]int{}
	order := []string{}
	for _, m := range cluster {
		for _, t := range m.Tags {
			if _, ok := counts[t]; !ok {
				order = append(order, t)
			}
			counts[t]++
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > n {
		order = order[:n]
	}
	return order
}

func mergeCluster(personaID string, cluster []store.Memory) store.Memory {
	var sig, intensity, detail float64
	for _, m := range cluster {
		sig += m.Significance
		intensity += m.EmotionalIntensity
		detail += m.DetailLevel
	}
	n := float64(len(cluster))
	tags := topTags(cluster, consolidatedTopTagsLimit)
	return store.Memory{
		PersonaID:          personaID,
		Content:            fmt.Sprintf("%d개의 관련된 기억들 (주제: %s)", len(cluster), strings.Join(tags, ", ")),
		Significance:       sig / n,
		EmotionalIntensity: intensity / n,
		DetailLevel:        detail / n,
		Tags:               tags,
		MemoryAtMS:         cluster[0].MemoryAtMS,
		RecallCount:        0,
	}
}

// Consolidate merges clusters of old, faded, low-significance memories that
// share tags. It returns the number of clusters merged.
func (e *Engine) Consolidate(ctx context.Context, personaID string) (int, error) {
	memories, err := e.store.ListMemories(ctx, personaID)
	if err != nil {
		return 0, fmt.Errorf("consolidate: %w", err)
	}
	if len(memories) < e.cfg.ConsolidationMinCount {
		return 0, nil
	}

	now := e.now()
	absorbed := map[string]bool{}
	merged := 0
	removed := 0
	for i, seed := range memories {
		if absorbed[seed.ID] || !consolidatable(seed, now) {
			continue
		}
		cluster := []store.Memory{seed}
		for j, other := range memories {
			if j == i || absorbed[other.ID] || !consolidatable(other, now) {
				continue
			}
			if TagSimilarity(seed.Tags, other.Tags) >= similarityThreshold {
				cluster = append(cluster, other)
			}
		}
		if len(cluster) < 2 {
			continue
		}

		// The merged memory keeps the oldest member's timestamp.
		sort.SliceStable(cluster, func(a, b int) bool { return cluster[a].MemoryAtMS < cluster[b].MemoryAtMS })
		ids := make([]string, 0, len(cluster))
		for _, m := range cluster {
			ids = append(ids, m.ID)
			absorbed[m.ID] = true
		}
		if _, err := e.store.ReplaceMemories(ctx, ids, mergeCluster(personaID, cluster)); err != nil {
			return merged, fmt.Errorf("consolidate: %w", err)
		}
		merged++
		removed += len(ids)
	}

	if merged > 0 {
		logger.InfoCF("memory", "Memories consolidated", map[string]interface{}{
			"persona_id": personaID,
			"clusters":   merged,
			"absorbed":   removed,
		})
	}
	return merged, nil
}
