package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const memoryColumns = `id, persona_id, content, significance, emotional_intensity, detail_level, recall_count, tags_json, memory_at_ms, last_recalled_at_ms, created_at_ms`

func scanMemory(row interface{ Scan(...any) error }) (Memory, error) {
	var m Memory
	var tagsRaw string
	if err := row.Scan(&m.ID, &m.PersonaID, &m.Content, &m.Significance, &m.EmotionalIntensity, &m.DetailLevel, &m.RecallCount, &tagsRaw, &m.MemoryAtMS, &m.LastRecalledAtMS, &m.CreatedAtMS); err != nil {
		return Memory{}, err
	}
	m.Tags = decodeTags(tagsRaw)
	return m, nil
}

func normalizeMemory(m Memory) Memory {
	now := nowMS()
	if m.ID == "" {
		m.ID = "mem-" + uuid.NewString()
	}
	if m.MemoryAtMS == 0 {
		m.MemoryAtMS = now
	}
	if m.CreatedAtMS == 0 {
		m.CreatedAtMS = now
	}
	m.Significance = clampRange(m.Significance, 0, 10)
	m.EmotionalIntensity = clampRange(m.EmotionalIntensity, 0, 10)
	m.DetailLevel = clampRange(m.DetailLevel, 0, 1)
	tags := make([]string, 0, len(m.Tags))
	seen := map[string]struct{}{}
	for _, tag := range m.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	m.Tags = tags
	return m
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMemory(ctx context.Context, ex execer, m Memory) error {
	_, err := ex.ExecContext(ctx, `
INSERT INTO memories(`+memoryColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PersonaID, m.Content, m.Significance, m.EmotionalIntensity, m.DetailLevel,
		m.RecallCount, encodeTags(m.Tags), m.MemoryAtMS, m.LastRecalledAtMS, m.CreatedAtMS)
	return err
}

func (s *SQLiteStore) InsertMemory(ctx context.Context, m Memory) (Memory, error) {
	if strings.TrimSpace(m.PersonaID) == "" {
		return Memory{}, fmt.Errorf("insert memory: empty persona_id")
	}
	m = normalizeMemory(m)
	if err := insertMemory(ctx, s.db, m); err != nil {
		return Memory{}, fmt.Errorf("insert memory: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Memory{}, ErrNotFound
		}
		return Memory{}, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

// ListMemories returns all memories of the persona ordered by memory time.
func (s *SQLiteStore) ListMemories(ctx context.Context, personaID string) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+memoryColumns+`
FROM memories
WHERE persona_id = ?
ORDER BY memory_at_ms ASC, created_at_ms ASC, id ASC`, personaID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

func collectMemories(rows *sql.Rows) ([]Memory, error) {
	out := []Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CountMemories(ctx context.Context, personaID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE persona_id = ?`, personaID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// MemoriesByTags returns memories sharing at least one tag with tags,
// highest significance first. With no tags every memory qualifies.
func (s *SQLiteStore) MemoriesByTags(ctx context.Context, personaID string, tags []string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	clean := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			clean = append(clean, tag)
		}
	}

	var rows *sql.Rows
	var err error
	if len(clean) == 0 {
		rows, err = s.db.QueryContext(ctx, `
SELECT `+memoryColumns+`
FROM memories
WHERE persona_id = ?
ORDER BY significance DESC, memory_at_ms DESC
LIMIT ?`, personaID, limit)
	} else {
		args := make([]any, 0, len(clean)+2)
		args = append(args, personaID)
		for _, tag := range clean {
			args = append(args, tag)
		}
		args = append(args, limit)
		rows, err = s.db.QueryContext(ctx, `
SELECT `+memoryColumns+`
FROM memories
WHERE persona_id = ?
AND EXISTS (SELECT 1 FROM json_each(memories.tags_json) WHERE json_each.value IN (`+placeholders(len(clean))+`))
ORDER BY significance DESC, memory_at_ms DESC
LIMIT ?`, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("memories by tags: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// UpdateMemoryDetails applies several detail changes in one transaction.
func (s *SQLiteStore) UpdateMemoryDetails(ctx context.Context, details map[string]float64) error {
	if len(details) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update memory details begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for id, detail := range details {
		if _, err := tx.ExecContext(ctx, `UPDATE memories SET detail_level = ? WHERE id = ?`, clampRange(detail, 0, 1), id); err != nil {
			return fmt.Errorf("update memory detail %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update memory details commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMemories(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReplaceMemories deletes the given ids and inserts replacement atomically.
func (s *SQLiteStore) ReplaceMemories(ctx context.Context, ids []string, replacement Memory) (Memory, error) {
	if strings.TrimSpace(replacement.PersonaID) == "" {
		return Memory{}, fmt.Errorf("replace memories: empty persona_id")
	}
	replacement = normalizeMemory(replacement)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Memory{}, fmt.Errorf("replace memories begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(ids) > 0 {
		args := make([]any, 0, len(ids))
		for _, id := range ids {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
			return Memory{}, fmt.Errorf("replace memories delete: %w", err)
		}
	}
	if err := insertMemory(ctx, tx, replacement); err != nil {
		return Memory{}, fmt.Errorf("replace memories insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Memory{}, fmt.Errorf("replace memories commit: %w", err)
	}
	return replacement, nil
}

// RecallMemory bumps recall_count and stamps last_recalled_at.
func (s *SQLiteStore) RecallMemory(ctx context.Context, id string, atMS int64) error {
	if atMS == 0 {
		atMS = nowMS()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE memories SET recall_count = recall_count + 1, last_recalled_at_ms = ? WHERE id = ?`, atMS, id)
	if err != nil {
		return fmt.Errorf("recall memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
