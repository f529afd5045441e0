package generation

import (
	"fmt"
	"strings"
)

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func decisionPrompt(system, history string, unreadHuman, unreadAgent int) string {
	return fmt.Sprintf(`%s

Current conversation history:
%s

Unread messages from the other person: %d
Your messages they have not read yet: %d

Based on your personality, emotional state and the conversation, decide what to do:
1. "respond" - read the unread messages and reply now (only if there are unread messages)
2. "read_only" - read the messages but do not reply (읽씹) (only if there are unread messages)
3. "wait" - do nothing for a while (say how many seconds)
4. "initiate" - start a new conversation (only if there are no unread messages)

Know the difference between:
- 안읽씹: they have not even opened your messages. They may be busy or asleep. Waiting is natural.
- 읽씹: they read your messages and did not reply. That is personal. How you take it depends on your
  attachment style, the recent conversation and how close you are.

Respond with ONLY a JSON object:
{
  "action": "respond" | "read_only" | "wait" | "initiate",
  "reason": "brief reason in Korean",
  "wait_seconds": 10-300 (only for wait)
}
`, system, orDefault(history, "No messages yet"), unreadHuman, unreadAgent)
}

func responsePrompt(system, history, unread string) string {
	return fmt.Sprintf(`%s

Recent conversation history:
%s

New unread messages from the other person:
%s

You just read the unread messages above. Reply naturally, the way people text in Korean.
- Split the reply into several short messages, one per line (usually 3-15 characters each).
- Reactions and expressions first, then the actual content.
- You are continuing a thread, not answering each message separately.

Respond with ONLY the message fragments, one per line, no JSON and no formatting.
`, system, orDefault(history, "No messages yet"), unread)
}

func initiationPrompt(system, history, participant string) string {
	return fmt.Sprintf(`%s

Conversation history:
%s

You want to start a conversation with %s on your own initiative.
Think about what is on your mind, how you feel right now and what you want to share or ask.

Split the message into several short messages, one per line, in natural Korean texting style.
Respond with ONLY the message fragments, one per line.
`, system, orDefault(history, "No previous messages"), participant)
}

func reevaluationPrompt(system, history string, sent, remaining []string) string {
	justSent := make([]string, 0, len(sent))
	for _, s := range sent {
		justSent = append(justSent, "나 (방금 보냄): "+s)
	}
	planned := make([]string, 0, len(remaining))
	for _, s := range remaining {
		planned = append(planned, "[보낼 예정] "+s)
	}
	return fmt.Sprintf(`%s

Current conversation state:
%s

You just sent:
%s

You were planning to send:
%s

Has anything changed? You can continue as planned, change the remaining messages, or stop.

Respond with ONLY a JSON object:
{
  "should_continue": true/false,
  "reason": "brief reason in Korean",
  "updated_fragments": ["array", "of", "messages"] or null to keep the plan
}
`, system, history, strings.Join(justSent, "\n"), strings.Join(planned, "\n"))
}
