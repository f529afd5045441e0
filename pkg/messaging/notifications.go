package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/notify"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

const defaultNotifyTimeout = 10 * time.Second

// Notifications sends new-message notifications in the background. A
// failed delivery is logged and otherwise ignored.
type Notifications struct {
	notifier notify.Notifier
	presence *Presence
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewNotifications(n notify.Notifier, presence *Presence) *Notifications {
	return &Notifications{notifier: n, presence: presence, timeout: defaultNotifyTimeout}
}

// NewMessage notifies the conversation's participant about msg unless they
// are currently viewing the conversation.
func (n *Notifications) NewMessage(conv store.Conversation, persona store.Persona, msg store.Message) {
	if n == nil || n.notifier == nil {
		return
	}
	if n.presence != nil && !n.presence.ShouldNotify(conv.ID) {
		return
	}
	title := persona.FullName()
	body := notify.Truncate(msg.Content, notify.TruncateLength)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.notifier.Notify(ctx, conv.ParticipantID, title, body); err != nil {
			logger.WarnCF("messaging", "Notification failed", map[string]interface{}{
				"conversation_id": conv.ID,
				"message_id":      msg.ID,
				"error":           err.Error(),
			})
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (n *Notifications) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}
