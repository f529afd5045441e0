package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "chat.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedConversation(t *testing.T, s *SQLiteStore) (Persona, Conversation) {
	t.Helper()
	ctx := context.Background()
	attrs := NewAttributes()
	attrs.Set(AttrEmotions, []interface{}{"설렘"})
	p, err := s.CreatePersona(ctx, Persona{FirstName: "지은", LastName: "김", Active: true}, attrs)
	if err != nil {
		t.Fatalf("create persona: %v", err)
	}
	conv, created, err := s.GetOrCreateConversation(ctx, "cli:local", p.ID)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if !created {
		t.Fatalf("expected a new conversation")
	}
	return p, conv
}

func TestSQLiteStore_MessagesPersistAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state", "chat.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, conv := seedConversation(t, s)

	first, err := s.AppendMessage(ctx, Message{ConversationID: conv.ID, Sender: SenderHuman, Content: "hello"})
	if err != nil {
		t.Fatalf("append human: %v", err)
	}
	second, err := s.AppendMessage(ctx, Message{ConversationID: conv.ID, Sender: SenderAgent, Content: "world", IsFragment: true, FragmentIndex: 0, TurnID: "turn-1"})
	if err != nil {
		t.Fatalf("append agent: %v", err)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("expected ascending seq, got %d then %d", first.Seq, second.Seq)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s2.Close()

	msgs, err := s2.ListRecentMessages(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[1].Content != "world" {
		t.Fatalf("unexpected order: %#v", msgs)
	}
	if !msgs[1].IsFragment || msgs[1].TurnID != "turn-1" {
		t.Fatalf("fragment metadata lost: %#v", msgs[1])
	}
}

func TestSQLiteStore_OneActiveConversationPerPair(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p, conv := seedConversation(t, s)

	again, created, err := s.GetOrCreateConversation(ctx, "cli:local", p.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if created || again.ID != conv.ID {
		t.Fatalf("expected existing conversation %s, got %s (created=%v)", conv.ID, again.ID, created)
	}

	if err := s.DeactivateConversation(ctx, conv.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	fresh, created, err := s.GetOrCreateConversation(ctx, "cli:local", p.ID)
	if err != nil {
		t.Fatalf("recreate conversation: %v", err)
	}
	if !created || fresh.ID == conv.ID {
		t.Fatalf("expected a new conversation after deactivation")
	}
}

func TestSQLiteStore_AppendToInactiveConversation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, conv := seedConversation(t, s)

	if err := s.DeactivateConversation(ctx, conv.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err := s.AppendMessage(ctx, Message{ConversationID: conv.ID, Sender: SenderHuman, Content: "hi"})
	if !errors.Is(err, ErrConversationInactive) {
		t.Fatalf("expected ErrConversationInactive, got %v", err)
	}
}

func TestSQLiteStore_DeleteConversationCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, conv := seedConversation(t, s)

	if _, err := s.AppendMessage(ctx, Message{ConversationID: conv.ID, Sender: SenderHuman, Content: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	seq, err := s.LatestMessageSeq(ctx, conv.ID)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if seq != 0 {
		t.Fatalf("expected messages to cascade, latest seq %d", seq)
	}
}

func TestSQLiteStore_UnreadAndMarkRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, conv := seedConversation(t, s)

	var ids []string
	for _, body := range []string{"a", "b", "c"} {
		m, err := s.AppendMessage(ctx, Message{ConversationID: conv.ID, Sender: SenderHuman, Content: body})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, m.ID)
	}
	if _, err := s.AppendMessage(ctx, Message{ConversationID: conv.ID, Sender: SenderAgent, Content: "reply"}); err != nil {
		t.Fatalf("append agent: %v", err)
	}

	n, err := s.CountUnread(ctx, conv.ID, SenderHuman)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 unread, got %d (%v)", n, err)
	}

	marked, err := s.MarkMessagesRead(ctx, conv.ID, ids[:2], 0)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(marked) != 2 {
		t.Fatalf("expected 2 newly read, got %v", marked)
	}
	again, err := s.MarkMessagesRead(ctx, conv.ID, ids, 0)
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if len(again) != 1 || again[0] != ids[2] {
		t.Fatalf("expected only the remaining id, got %v", again)
	}
	n, _ = s.CountUnread(ctx, conv.ID, SenderHuman)
	if n != 0 {
		t.Fatalf("expected 0 unread, got %d", n)
	}
}

func TestSQLiteStore_HumanMessagesAfterWatermark(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, conv := seedConversation(t, s)

	if _, err := s.AppendMessage(ctx, Message{ConversationID: conv.ID, Sender: SenderHuman, Content: "before"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	mark, err := s.LatestMessageSeq(ctx, conv.ID)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if _, err := s.AppendMessage(ctx, Message{ConversationID: conv.ID, Sender: SenderAgent, Content: "agent"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	n, _ := s.CountHumanMessagesAfter(ctx, conv.ID, mark)
	if n != 0 {
		t.Fatalf("agent messages must not count as interruptions, got %d", n)
	}
	if _, err := s.AppendMessage(ctx, Message{ConversationID: conv.ID, Sender: SenderHuman, Content: "after"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	n, _ = s.CountHumanMessagesAfter(ctx, conv.ID, mark)
	if n != 1 {
		t.Fatalf("expected 1 human message after watermark, got %d", n)
	}
}

func TestSQLiteStore_MergePersonaState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p, _ := seedConversation(t, s)

	state, err := s.MergePersonaState(ctx, p.ID, func(attrs *Attributes) error {
		attrs.Set(AttrContext, "카페에서 공부 중")
		attrs.Set(AttrEmotions, []interface{}{"피곤함"})
		return nil
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if state.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", state.Revision)
	}

	loaded, err := s.GetPersonaState(ctx, p.ID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if got := loaded.Attributes.Keys(); len(got) != 2 || got[0] != AttrEmotions || got[1] != AttrContext {
		t.Fatalf("expected insertion order preserved, got %v", got)
	}
	if emotions := loaded.Attributes.Emotions(); len(emotions) != 1 || emotions[0] != "피곤함" {
		t.Fatalf("unexpected emotions %v", emotions)
	}

	sentinel := errors.New("abort")
	if _, err := s.MergePersonaState(ctx, p.ID, func(attrs *Attributes) error {
		attrs.Set(AttrContext, "discarded")
		return sentinel
	}); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	loaded, _ = s.GetPersonaState(ctx, p.ID)
	if loaded.Attributes.Context() != "카페에서 공부 중" || loaded.Revision != 2 {
		t.Fatalf("aborted merge must not write, got %q rev %d", loaded.Attributes.Context(), loaded.Revision)
	}
}

func TestSQLiteStore_DeactivatePersonaStopsConversations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p, conv := seedConversation(t, s)

	n, err := s.DeactivatePersona(ctx, p.ID, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("deactivate persona: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 conversation deactivated, got %d", n)
	}
	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Active {
		t.Fatalf("conversation should be inactive")
	}
	if _, err := s.ActivePersona(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no active persona, got %v", err)
	}
}
