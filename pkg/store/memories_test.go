package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemories_InsertNormalizesAndLists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.InsertMemory(ctx, Memory{
		PersonaID:          "persona-1",
		Content:            "첫 알바",
		Significance:       12,
		EmotionalIntensity: -1,
		DetailLevel:        1.5,
		Tags:               []string{"알바", " 알바 ", "", "돈"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if m.Significance != 10 || m.EmotionalIntensity != 0 || m.DetailLevel != 1 {
		t.Fatalf("expected clamped values, got %+v", m)
	}
	if len(m.Tags) != 2 {
		t.Fatalf("expected deduplicated tags, got %v", m.Tags)
	}

	list, err := s.ListMemories(ctx, "persona-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != m.ID {
		t.Fatalf("unexpected list %#v", list)
	}
}

func TestMemories_ByTags(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, m := range []Memory{
		{PersonaID: "p", Content: "강아지 산책", Significance: 3, Tags: []string{"강아지", "산책"}},
		{PersonaID: "p", Content: "시험 망침", Significance: 8, Tags: []string{"시험"}},
		{PersonaID: "p", Content: "강아지 입양", Significance: 9, Tags: []string{"강아지", "가족"}},
		{PersonaID: "other", Content: "다른 페르소나", Significance: 10, Tags: []string{"강아지"}},
	} {
		if _, err := s.InsertMemory(ctx, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := s.MemoriesByTags(ctx, "p", []string{"강아지"}, 5)
	if err != nil {
		t.Fatalf("by tags: %v", err)
	}
	if len(got) != 2 || got[0].Content != "강아지 입양" || got[1].Content != "강아지 산책" {
		t.Fatalf("unexpected tag matches %#v", got)
	}

	all, err := s.MemoriesByTags(ctx, "p", nil, 2)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || all[0].Significance != 9 {
		t.Fatalf("expected top-2 by significance, got %#v", all)
	}
}

func TestMemories_ReplaceAndRecall(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, _ := s.InsertMemory(ctx, Memory{PersonaID: "p", Content: "a", Tags: []string{"x"}})
	b, _ := s.InsertMemory(ctx, Memory{PersonaID: "p", Content: "b", Tags: []string{"x"}})

	merged, err := s.ReplaceMemories(ctx, []string{a.ID, b.ID}, Memory{PersonaID: "p", Content: "merged", Tags: []string{"x"}})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	n, _ := s.CountMemories(ctx, "p")
	if n != 1 {
		t.Fatalf("expected 1 memory after replace, got %d", n)
	}
	if _, err := s.GetMemory(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("original should be gone, got %v", err)
	}

	if err := s.RecallMemory(ctx, merged.ID, 0); err != nil {
		t.Fatalf("recall: %v", err)
	}
	got, _ := s.GetMemory(ctx, merged.ID)
	if got.RecallCount != 1 || got.LastRecalledAtMS == 0 {
		t.Fatalf("recall not recorded: %+v", got)
	}
	if err := s.RecallMemory(ctx, "missing", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing memory, got %v", err)
	}
}
