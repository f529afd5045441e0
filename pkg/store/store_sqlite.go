package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent store for conversations, persona
// state, memories and the durable job queue.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process runtime. Use one shared connection to avoid
	// writer lock contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the shared handle for collaborators that keep their own
// tables in the same file (the lock table).
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS personas (
			id TEXT PRIMARY KEY,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			status_message TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 0,
			started_at_ms INTEGER NOT NULL,
			ended_at_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS personas_active_idx ON personas(active, started_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS persona_states (
			persona_id TEXT PRIMARY KEY REFERENCES personas(id) ON DELETE CASCADE,
			attributes_json TEXT NOT NULL DEFAULT '{}',
			revision INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			participant_id TEXT NOT NULL,
			persona_id TEXT NOT NULL REFERENCES personas(id) ON DELETE CASCADE,
			active INTEGER NOT NULL DEFAULT 1,
			last_activity_at_ms INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS conversations_one_active ON conversations(participant_id, persona_id) WHERE active = 1;`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			read_at_ms INTEGER NOT NULL DEFAULT 0,
			is_fragment INTEGER NOT NULL DEFAULT 0,
			fragment_index INTEGER NOT NULL DEFAULT 0,
			turn_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id, seq);`,
		`CREATE INDEX IF NOT EXISTS messages_unread_idx ON messages(conversation_id, sender, read_at_ms);`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			persona_id TEXT NOT NULL,
			content TEXT NOT NULL,
			significance REAL NOT NULL DEFAULT 5,
			emotional_intensity REAL NOT NULL DEFAULT 5,
			detail_level REAL NOT NULL DEFAULT 1,
			recall_count INTEGER NOT NULL DEFAULT 0,
			tags_json TEXT NOT NULL DEFAULT '[]',
			memory_at_ms INTEGER NOT NULL,
			last_recalled_at_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memories_persona_idx ON memories(persona_id, significance DESC, memory_at_ms);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			payload_json TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			run_after_ms INTEGER NOT NULL,
			lease_until_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs(status, run_after_ms, lease_until_ms, priority, created_at_ms);`,
		`CREATE INDEX IF NOT EXISTS jobs_scope_idx ON jobs(scope, status);`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS metrics_metric_idx ON metrics(metric, created_at_ms DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeTags(raw string) []string {
	if raw == "" {
		return nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// --- personas ---------------------------------------------------------------

// CreatePersona inserts a persona together with its initial state.
func (s *SQLiteStore) CreatePersona(ctx context.Context, p Persona, attrs Attributes) (Persona, error) {
	now := nowMS()
	if p.ID == "" {
		p.ID = "persona-" + uuid.NewString()
	}
	if p.StartedAtMS == 0 {
		p.StartedAtMS = now
	}
	if p.CreatedAtMS == 0 {
		p.CreatedAtMS = now
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return Persona{}, fmt.Errorf("create persona encode attributes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Persona{}, fmt.Errorf("create persona begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO personas(id, first_name, last_name, status_message, active, started_at_ms, ended_at_ms, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`, p.ID, p.FirstName, p.LastName, p.StatusMessage, boolInt(p.Active), p.StartedAtMS, p.EndedAtMS, p.CreatedAtMS); err != nil {
		return Persona{}, fmt.Errorf("create persona insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO persona_states(persona_id, attributes_json, revision, updated_at_ms)
VALUES(?, ?, 1, ?)`, p.ID, string(attrsJSON), now); err != nil {
		return Persona{}, fmt.Errorf("create persona state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Persona{}, fmt.Errorf("create persona commit: %w", err)
	}
	return p, nil
}

const personaColumns = `id, first_name, last_name, status_message, active, started_at_ms, ended_at_ms, created_at_ms`

func scanPersona(row interface{ Scan(...any) error }) (Persona, error) {
	var p Persona
	var active int
	if err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.StatusMessage, &active, &p.StartedAtMS, &p.EndedAtMS, &p.CreatedAtMS); err != nil {
		return Persona{}, err
	}
	p.Active = active != 0
	return p, nil
}

func (s *SQLiteStore) GetPersona(ctx context.Context, id string) (Persona, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+personaColumns+` FROM personas WHERE id = ?`, id)
	p, err := scanPersona(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Persona{}, ErrNotFound
		}
		return Persona{}, fmt.Errorf("get persona: %w", err)
	}
	return p, nil
}

// ActivePersona returns the most recently started active persona.
func (s *SQLiteStore) ActivePersona(ctx context.Context) (Persona, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+personaColumns+`
FROM personas
WHERE active = 1
ORDER BY started_at_ms DESC
LIMIT 1`)
	p, err := scanPersona(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Persona{}, ErrNotFound
		}
		return Persona{}, fmt.Errorf("active persona: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ActivatePersona(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE personas SET active = 1, ended_at_ms = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("activate persona: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdatePersonaStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE personas SET status_message = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update persona status: %w", err)
	}
	return nil
}

// DeactivatePersona ends the persona's season and deactivates all of its
// conversations. It returns the number of conversations deactivated.
func (s *SQLiteStore) DeactivatePersona(ctx context.Context, id string, atMS int64) (int, error) {
	if atMS == 0 {
		atMS = nowMS()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("deactivate persona begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE personas SET active = 0, ended_at_ms = ? WHERE id = ?`, atMS, id); err != nil {
		return 0, fmt.Errorf("deactivate persona: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE conversations SET active = 0 WHERE persona_id = ? AND active = 1`, id)
	if err != nil {
		return 0, fmt.Errorf("deactivate persona conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("deactivate persona commit: %w", err)
	}
	return int(n), nil
}

// --- persona state ----------------------------------------------------------

func (s *SQLiteStore) GetPersonaState(ctx context.Context, personaID string) (PersonaState, error) {
	return getPersonaState(ctx, s.db, personaID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getPersonaState(ctx context.Context, q queryRower, personaID string) (PersonaState, error) {
	row := q.QueryRowContext(ctx, `
SELECT attributes_json, revision, updated_at_ms
FROM persona_states WHERE persona_id = ?`, personaID)
	state := PersonaState{PersonaID: personaID, Attributes: NewAttributes()}
	var raw string
	if err := row.Scan(&raw, &state.Revision, &state.UpdatedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state, nil
		}
		return PersonaState{}, fmt.Errorf("get persona state: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &state.Attributes); err != nil {
		return PersonaState{}, fmt.Errorf("decode persona state: %w", err)
	}
	return state, nil
}

// MergePersonaState runs fn against the current attributes and persists the
// result atomically. fn returning an error aborts without writing.
func (s *SQLiteStore) MergePersonaState(ctx context.Context, personaID string, fn func(attrs *Attributes) error) (PersonaState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PersonaState{}, fmt.Errorf("merge persona state begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	state, err := getPersonaState(ctx, tx, personaID)
	if err != nil {
		return PersonaState{}, err
	}
	if err := fn(&state.Attributes); err != nil {
		return PersonaState{}, err
	}
	raw, err := json.Marshal(state.Attributes)
	if err != nil {
		return PersonaState{}, fmt.Errorf("encode persona state: %w", err)
	}

	now := nowMS()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO persona_states(persona_id, attributes_json, revision, updated_at_ms)
VALUES(?, ?, 1, ?)
ON CONFLICT(persona_id) DO UPDATE SET
	attributes_json = excluded.attributes_json,
	revision = persona_states.revision + 1,
	updated_at_ms = excluded.updated_at_ms`, personaID, string(raw), now); err != nil {
		return PersonaState{}, fmt.Errorf("merge persona state write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return PersonaState{}, fmt.Errorf("merge persona state commit: %w", err)
	}
	state.Revision++
	state.UpdatedAtMS = now
	return state, nil
}

// --- conversations ----------------------------------------------------------

const conversationColumns = `id, participant_id, persona_id, active, last_activity_at_ms, created_at_ms`

func scanConversation(row interface{ Scan(...any) error }) (Conversation, error) {
	var c Conversation
	var active int
	if err := row.Scan(&c.ID, &c.ParticipantID, &c.PersonaID, &active, &c.LastActivityAtMS, &c.CreatedAtMS); err != nil {
		return Conversation{}, err
	}
	c.Active = active != 0
	return c, nil
}

// GetOrCreateConversation returns the active conversation for the pair,
// creating one when none exists.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, participantID, personaID string) (Conversation, bool, error) {
	if strings.TrimSpace(participantID) == "" || strings.TrimSpace(personaID) == "" {
		return Conversation{}, false, fmt.Errorf("get or create conversation: participant and persona are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("get or create conversation begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT `+conversationColumns+`
FROM conversations
WHERE participant_id = ? AND persona_id = ? AND active = 1`, participantID, personaID)
	existing, err := scanConversation(row)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, fmt.Errorf("get conversation: %w", err)
	}

	now := nowMS()
	c := Conversation{
		ID:               "conv-" + uuid.NewString(),
		ParticipantID:    participantID,
		PersonaID:        personaID,
		Active:           true,
		LastActivityAtMS: now,
		CreatedAtMS:      now,
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO conversations(`+conversationColumns+`)
VALUES(?, ?, ?, 1, ?, ?)`, c.ID, c.ParticipantID, c.PersonaID, c.LastActivityAtMS, c.CreatedAtMS); err != nil {
		return Conversation{}, false, fmt.Errorf("create conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, false, fmt.Errorf("create conversation commit: %w", err)
	}
	return c, true, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListActiveConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+conversationColumns+`
FROM conversations
WHERE active = 1
ORDER BY last_activity_at_ms DESC`)
	if err != nil {
		return nil, fmt.Errorf("list active conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeactivateConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes the conversation; its messages cascade.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, atMS int64) error {
	if atMS == 0 {
		atMS = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET last_activity_at_ms = ? WHERE id = ?`, atMS, id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// --- messages ---------------------------------------------------------------

const messageColumns = `seq, id, conversation_id, sender, content, created_at_ms, read_at_ms, is_fragment, fragment_index, turn_id`

func scanMessages(rows *sql.Rows) ([]Message, error) {
	out := []Message{}
	for rows.Next() {
		var m Message
		var sender string
		var fragment int
		if err := rows.Scan(&m.Seq, &m.ID, &m.ConversationID, &sender, &m.Content, &m.CreatedAtMS, &m.ReadAtMS, &fragment, &m.FragmentIndex, &m.TurnID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = Sender(sender)
		m.IsFragment = fragment != 0
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// AppendMessage persists m, assigning ID, Seq and CreatedAtMS, and bumps
// the conversation's last activity.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) (Message, error) {
	if strings.TrimSpace(m.ConversationID) == "" {
		return Message{}, fmt.Errorf("append message: empty conversation_id")
	}
	if m.Sender != SenderHuman && m.Sender != SenderAgent {
		return Message{}, fmt.Errorf("append message: invalid sender %q", m.Sender)
	}
	if m.ID == "" {
		m.ID = "msg-" + uuid.NewString()
	}
	if m.CreatedAtMS == 0 {
		m.CreatedAtMS = nowMS()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("append message begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	if err := tx.QueryRowContext(ctx, `SELECT active FROM conversations WHERE id = ?`, m.ConversationID).Scan(&active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("append message load conversation: %w", err)
	}
	if active == 0 {
		return Message{}, ErrConversationInactive
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, conversation_id, sender, content, created_at_ms, read_at_ms, is_fragment, fragment_index, turn_id)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`, m.ID, m.ConversationID, string(m.Sender), m.Content, m.CreatedAtMS, m.ReadAtMS, boolInt(m.IsFragment), m.FragmentIndex, m.TurnID)
	if err != nil {
		return Message{}, fmt.Errorf("append message insert: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("append message seq: %w", err)
	}
	m.Seq = seq

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET last_activity_at_ms = ? WHERE id = ?`, m.CreatedAtMS, m.ConversationID); err != nil {
		return Message{}, fmt.Errorf("append message touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("append message commit: %w", err)
	}
	return m, nil
}

// ListRecentMessages returns up to limit messages, oldest first.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE conversation_id = ?
ORDER BY seq DESC
LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	out, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) UnreadHumanMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE conversation_id = ? AND sender = ? AND read_at_ms = 0
ORDER BY seq ASC`, conversationID, string(SenderHuman))
	if err != nil {
		return nil, fmt.Errorf("list unread messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// CountUnread counts unread messages authored by sender.
func (s *SQLiteStore) CountUnread(ctx context.Context, conversationID string, sender Sender) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM messages
WHERE conversation_id = ? AND sender = ? AND read_at_ms = 0`, conversationID, string(sender)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread messages: %w", err)
	}
	return n, nil
}

// LatestMessageSeq returns the highest message seq in the conversation (0 when empty).
func (s *SQLiteStore) LatestMessageSeq(ctx context.Context, conversationID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest message seq: %w", err)
	}
	return seq.Int64, nil
}

// CountHumanMessagesAfter counts human messages with seq > afterSeq.
func (s *SQLiteStore) CountHumanMessagesAfter(ctx context.Context, conversationID string, afterSeq int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM messages
WHERE conversation_id = ? AND sender = ? AND seq > ?`, conversationID, string(SenderHuman), afterSeq).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count human messages: %w", err)
	}
	return n, nil
}

// MarkMessagesRead sets read_at on the given unread messages and returns
// the ids that changed.
func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, conversationID string, ids []string, atMS int64) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if atMS == 0 {
		atMS = nowMS()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mark read begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := make([]any, 0, len(ids)+1)
	args = append(args, conversationID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := tx.QueryContext(ctx, `
SELECT id FROM messages
WHERE conversation_id = ? AND read_at_ms = 0 AND id IN (`+placeholders(len(ids))+`)
ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("mark read select: %w", err)
	}
	marked := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("mark read scan: %w", err)
		}
		marked = append(marked, id)
	}
	rows.Close()
	if len(marked) == 0 {
		return nil, nil
	}

	updArgs := make([]any, 0, len(marked)+1)
	updArgs = append(updArgs, atMS)
	for _, id := range marked {
		updArgs = append(updArgs, id)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET read_at_ms = ? WHERE id IN (`+placeholders(len(marked))+`)`, updArgs...); err != nil {
		return nil, fmt.Errorf("mark read update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mark read commit: %w", err)
	}
	return marked, nil
}
