package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/bus"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

type ReceiptStore interface {
	UnreadHumanMessages(ctx context.Context, conversationID string) ([]store.Message, error)
	MarkMessagesRead(ctx context.Context, conversationID string, ids []string, atMS int64) ([]string, error)
}

// Receipts marks messages read and broadcasts one read_receipt per
// message that actually changed state.
type Receipts struct {
	store    ReceiptStore
	bus      bus.Broadcaster
	presence *Presence
	now      func() time.Time
}

func NewReceipts(s ReceiptStore, b bus.Broadcaster, presence *Presence) *Receipts {
	return &Receipts{store: s, bus: b, presence: presence, now: time.Now}
}

// MarkRead marks ids read. Without bypassFocus nothing happens unless the
// participant's view of the conversation is focused.
func (r *Receipts) MarkRead(ctx context.Context, conversationID string, ids []string, bypassFocus bool) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if !bypassFocus && !r.presence.Get(conversationID).Focused {
		return nil, nil
	}
	marked, err := r.store.MarkMessagesRead(ctx, conversationID, ids, r.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}
	if r.bus != nil {
		for _, id := range marked {
			r.bus.Publish(conversationID, bus.ReadReceiptEvent(id))
		}
	}
	return marked, nil
}

// MarkHumanReadThrough reads unread human messages with seq <= throughSeq.
// Later messages stay unread for the next decision.
func (r *Receipts) MarkHumanReadThrough(ctx context.Context, conversationID string, throughSeq int64, bypassFocus bool) ([]string, error) {
	unread, err := r.store.UnreadHumanMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load unread messages: %w", err)
	}
	ids := make([]string, 0, len(unread))
	for _, m := range unread {
		if m.Seq > throughSeq {
			break
		}
		ids = append(ids, m.ID)
	}
	return r.MarkRead(ctx, conversationID, ids, bypassFocus)
}
