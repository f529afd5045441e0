// Package storetest provides SQLite-backed fixtures for package tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/swparkaust/chat-with-ai/pkg/store"
)

const Participant = "cli:local"

func New(t testing.TB) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "state", "chat.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// SeedConversation creates an active persona (김지은) and its conversation
// with Participant.
func SeedConversation(t testing.TB, s *store.SQLiteStore) (store.Persona, store.Conversation) {
	t.Helper()
	ctx := context.Background()
	attrs := store.NewAttributes()
	attrs.Set(store.AttrBirthdayYear, 2001)
	attrs.Set(store.AttrBirthdayMonth, 3)
	attrs.Set(store.AttrBirthdayDay, 14)
	attrs.Set(store.AttrEmotions, []interface{}{"설렘", "피곤함"})
	attrs.Set(store.AttrContext, "시험 기간")
	p, err := s.CreatePersona(ctx, store.Persona{FirstName: "지은", LastName: "김", Active: true}, attrs)
	if err != nil {
		t.Fatalf("create persona: %v", err)
	}
	conv, _, err := s.GetOrCreateConversation(ctx, Participant, p.ID)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return p, conv
}

// Human appends an unread human message.
func Human(t testing.TB, s *store.SQLiteStore, conversationID, content string) store.Message {
	t.Helper()
	m, err := s.AppendMessage(context.Background(), store.Message{ConversationID: conversationID, Sender: store.SenderHuman, Content: content})
	if err != nil {
		t.Fatalf("append human message: %v", err)
	}
	return m
}
