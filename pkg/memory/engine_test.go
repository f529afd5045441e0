package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swparkaust/chat-with-ai/pkg/lock"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

const day = 24 * time.Hour

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore, time.Time) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "state", "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(s, lock.NewMemoryLocker(), Config{})
	e.SetClock(func() time.Time { return now })
	return e, s, now
}

func insert(t *testing.T, s *store.SQLiteStore, m store.Memory) store.Memory {
	t.Helper()
	if m.PersonaID == "" {
		m.PersonaID = "p1"
	}
	out, err := s.InsertMemory(context.Background(), m)
	require.NoError(t, err)
	return out
}

func TestDecayedDetail_Tiers(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name         string
		significance float64
		intensity    float64
		age          time.Duration
		want         float64
	}{
		{"core memory barely fades", 9.5, 10, 30 * day, 0.99},
		{"important", 7, 10, 30 * day, 0.90},
		{"ordinary", 5, 10, 30 * day, 0.80},
		{"trivial unprotected", 2, 0, 30 * day, 0.3 * 0.70},
		{"floor", 1, 0, 3000 * day, decayFloor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := store.Memory{Significance: tc.significance, EmotionalIntensity: tc.intensity, DetailLevel: 1, MemoryAtMS: now.Add(-tc.age).UnixMilli()}
			assert.InDelta(t, tc.want, DecayedDetail(m, now), 1e-6)
		})
	}
}

func TestApplyDecay_NonIncreasing(t *testing.T) {
	ctx := context.Background()
	e, s, now := newTestEngine(t)

	for i := 0; i < 10; i++ {
		insert(t, s, store.Memory{
			Content:            fmt.Sprintf("m%d", i),
			Significance:       float64(i),
			EmotionalIntensity: float64(10 - i),
			DetailLevel:        0.2 + 0.08*float64(i),
			MemoryAtMS:         now.Add(-time.Duration(i*20) * day).UnixMilli(),
		})
	}

	before, err := s.ListMemories(ctx, "p1")
	require.NoError(t, err)
	levels := map[string]float64{}
	for _, m := range before {
		levels[m.ID] = m.DetailLevel
	}

	for round := 0; round < 5; round++ {
		_, err := e.ApplyDecay(ctx, "p1")
		require.NoError(t, err)
		after, err := s.ListMemories(ctx, "p1")
		require.NoError(t, err)
		for _, m := range after {
			assert.LessOrEqual(t, m.DetailLevel, levels[m.ID]+1e-12, "detail rose for %s", m.Content)
			levels[m.ID] = m.DetailLevel
		}
	}
}

func TestApplyDecay_SkipsNoise(t *testing.T) {
	ctx := context.Background()
	e, s, now := newTestEngine(t)

	kept := insert(t, s, store.Memory{Significance: 9.5, EmotionalIntensity: 10, DetailLevel: 1, MemoryAtMS: now.Add(-30 * day).UnixMilli()})
	faded := insert(t, s, store.Memory{Significance: 2, EmotionalIntensity: 0, DetailLevel: 1, MemoryAtMS: now.Add(-60 * day).UnixMilli()})

	n, err := e.ApplyDecay(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetMemory(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.DetailLevel, "sub-threshold change must not persist")

	got, err = s.GetMemory(ctx, faded.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.3*0.49, got.DetailLevel, 1e-6)
}

func TestTagSimilarity(t *testing.T) {
	assert.Equal(t, 100.0, TagSimilarity([]string{"a", "b"}, []string{"b", "a"}))
	assert.Equal(t, 50.0, TagSimilarity([]string{"a", "b"}, []string{"a"}))
	assert.InDelta(t, 33.33, TagSimilarity([]string{"a", "b", "c"}, []string{"a", "x"}), 0.01)
	assert.Equal(t, 0.0, TagSimilarity(nil, []string{"a"}))
}

func fillRecent(t *testing.T, s *store.SQLiteStore, now time.Time, n int) {
	for i := 0; i < n; i++ {
		insert(t, s, store.Memory{
			Content:            fmt.Sprintf("recent %d", i),
			Significance:       8,
			EmotionalIntensity: 10,
			DetailLevel:        1,
			Tags:               []string{fmt.Sprintf("recent-%d", i)},
			MemoryAtMS:         now.Add(-time.Duration(i) * time.Hour).UnixMilli(),
		})
	}
}

func TestConsolidate_MergesFullyOverlappingOldMemories(t *testing.T) {
	ctx := context.Background()
	e, s, now := newTestEngine(t)

	older := insert(t, s, store.Memory{Content: "카페 알바 첫날", Significance: 4, EmotionalIntensity: 2, DetailLevel: 0.4, Tags: []string{"알바", "카페"}, MemoryAtMS: now.Add(-40 * day).UnixMilli()})
	newer := insert(t, s, store.Memory{Content: "카페 알바 실수", Significance: 6, EmotionalIntensity: 6, DetailLevel: 0.6, Tags: []string{"카페", "알바"}, MemoryAtMS: now.Add(-20 * day).UnixMilli()})
	fillRecent(t, s, now, 13)

	n, err := e.Consolidate(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetMemory(ctx, older.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = s.GetMemory(ctx, newer.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	all, err := s.ListMemories(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, all, 14)

	merged := all[0]
	assert.Equal(t, "2개의 관련된 기억들 (주제: 알바, 카페)", merged.Content)
	assert.InDelta(t, 5.0, merged.Significance, 1e-9)
	assert.InDelta(t, 4.0, merged.EmotionalIntensity, 1e-9)
	assert.InDelta(t, 0.5, merged.DetailLevel, 1e-9)
	assert.Equal(t, older.MemoryAtMS, merged.MemoryAtMS)
	assert.Equal(t, 0, merged.RecallCount)
}

func TestConsolidate_BelowThresholdOrProtected(t *testing.T) {
	ctx := context.Background()
	e, s, now := newTestEngine(t)

	insert(t, s, store.Memory{Content: "a", Significance: 4, DetailLevel: 0.4, Tags: []string{"x"}, MemoryAtMS: now.Add(-40 * day).UnixMilli()})
	insert(t, s, store.Memory{Content: "b", Significance: 4, DetailLevel: 0.4, Tags: []string{"x"}, MemoryAtMS: now.Add(-40 * day).UnixMilli()})

	n, err := e.Consolidate(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "collections below the minimum are left alone")

	// Significant memories are protected even when old and faded.
	insert(t, s, store.Memory{Content: "c", Significance: 7, DetailLevel: 0.3, Tags: []string{"y"}, MemoryAtMS: now.Add(-40 * day).UnixMilli()})
	insert(t, s, store.Memory{Content: "d", Significance: 7, DetailLevel: 0.3, Tags: []string{"y"}, MemoryAtMS: now.Add(-40 * day).UnixMilli()})
	fillRecent(t, s, now, 11)

	n, err = e.Consolidate(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the unprotected pair merges")
	count, _ := s.CountMemories(ctx, "p1")
	assert.Equal(t, 14, count)
}

func TestConsolidate_EachMemoryAbsorbedOnce(t *testing.T) {
	ctx := context.Background()
	e, s, now := newTestEngine(t)

	// b overlaps both a and c; it must end up in exactly one cluster.
	insert(t, s, store.Memory{Content: "a", Significance: 3, DetailLevel: 0.5, Tags: []string{"x", "y"}, MemoryAtMS: now.Add(-50 * day).UnixMilli()})
	insert(t, s, store.Memory{Content: "b", Significance: 3, DetailLevel: 0.5, Tags: []string{"y", "z"}, MemoryAtMS: now.Add(-45 * day).UnixMilli()})
	insert(t, s, store.Memory{Content: "c", Significance: 3, DetailLevel: 0.5, Tags: []string{"z", "w"}, MemoryAtMS: now.Add(-40 * day).UnixMilli()})
	fillRecent(t, s, now, 12)

	n, err := e.Consolidate(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	count, _ := s.CountMemories(ctx, "p1")
	assert.Equal(t, 14, count, "a+b merge, c stays alone")
}

func TestPrune_KeepsCapAndRemovesLowestScores(t *testing.T) {
	ctx := context.Background()
	e, s, now := newTestEngine(t)

	for i := 0; i < 57; i++ {
		insert(t, s, store.Memory{
			Content:            fmt.Sprintf("m%02d", i),
			Significance:       float64(i%10) + 0.5,
			EmotionalIntensity: float64((i * 3) % 10),
			DetailLevel:        0.1 + float64(i%9)*0.1,
			RecallCount:        i % 4,
			MemoryAtMS:         now.Add(-time.Duration(i) * day).UnixMilli(),
		})
	}
	before, err := s.ListMemories(ctx, "p1")
	require.NoError(t, err)

	n, err := e.Prune(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	after, err := s.ListMemories(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, after, 50)

	remaining := map[string]bool{}
	minRemaining := PruningScore(after[0], now)
	for _, m := range after {
		remaining[m.ID] = true
		if sc := PruningScore(m, now); sc < minRemaining {
			minRemaining = sc
		}
	}
	for _, m := range before {
		if remaining[m.ID] {
			continue
		}
		assert.LessOrEqual(t, PruningScore(m, now), minRemaining, "pruned %s scored above a survivor", m.Content)
	}

	n, err = e.Prune(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "at the cap nothing is pruned")
}

func TestRunMaintenance_Order(t *testing.T) {
	ctx := context.Background()
	e, s, now := newTestEngine(t)

	// Detail starts above the consolidation cutoff; only decay brings it under.
	insert(t, s, store.Memory{Content: "a", Significance: 2, EmotionalIntensity: 0, DetailLevel: 1, Tags: []string{"x"}, MemoryAtMS: now.Add(-60 * day).UnixMilli()})
	insert(t, s, store.Memory{Content: "b", Significance: 2, EmotionalIntensity: 0, DetailLevel: 1, Tags: []string{"x"}, MemoryAtMS: now.Add(-60 * day).UnixMilli()})
	fillRecent(t, s, now, 13)

	report, err := e.RunMaintenance(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Decayed)
	assert.Equal(t, 1, report.Consolidated)
	assert.Equal(t, 0, report.Pruned)
}

func TestRunMaintenance_WaitsForPersonaLock(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer s.Close()

	locker := lock.NewMemoryLocker()
	e := NewEngine(s, locker, Config{MaintenanceWait: 200 * time.Millisecond})

	_, ok, err := locker.Acquire(ctx, lock.MaintenanceKey("p1"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.RunMaintenance(ctx, "p1")
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
}

func TestRelevantMemories_RecallsAndFormats(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t)

	vivid := insert(t, s, store.Memory{Content: "고양이 입양", Significance: 9, DetailLevel: 0.9, Tags: []string{"고양이"}})
	blurry := insert(t, s, store.Memory{Content: "고양이 병원", Significance: 5, DetailLevel: 0.6, Tags: []string{"고양이"}})
	insert(t, s, store.Memory{Content: "시험", Significance: 10, DetailLevel: 0.2, Tags: []string{"시험"}})

	keywords := Keywords([]store.Message{{Content: "우리 고양이 보고 싶다!"}}, []string{"그리움"})
	assert.Contains(t, keywords, "고양이")

	got, err := e.RelevantMemories(ctx, "p1", keywords)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, vivid.ID, got[0].ID)

	stored, err := s.GetMemory(ctx, blurry.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RecallCount)

	assert.Equal(t, "고양이 입양, 고양이 병원 (기억이 조금 흐릿함)", FormatForPrompt(got))
	assert.Equal(t, "시험 (기억이 많이 희미함)", Describe(store.Memory{Content: "시험", DetailLevel: 0.2}))
	assert.Equal(t, "아직 특별한 기억 없음", FormatForPrompt(nil))
}
