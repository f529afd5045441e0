package messaging

import (
	"fmt"
	"strings"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/store"
)

// AgentLabel is how the persona refers to itself in prompt transcripts.
const AgentLabel = "나"

// FormatHistory renders messages as "[MM/DD HH:MM] sender: content", one
// per line, optionally suffixed with the read status.
func FormatHistory(messages []store.Message, participantLabel string, withReadStatus bool) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		sender := AgentLabel
		if m.Sender == store.SenderHuman {
			sender = participantLabel
		}
		ts := time.UnixMilli(m.CreatedAtMS).Format("01/02 15:04")
		line := fmt.Sprintf("[%s] %s: %s", ts, sender, m.Content)
		if withReadStatus {
			if m.IsRead() {
				line += " (읽음)"
			} else {
				line += " (안읽음)"
			}
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
