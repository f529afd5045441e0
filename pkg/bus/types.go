package bus

// AllConversations subscribes to every conversation plus app-level events.
const AllConversations = "*"

type EventType string

const (
	EventMessage       EventType = "message"
	EventTyping        EventType = "typing"
	EventReadReceipt   EventType = "read_receipt"
	EventSeasonRotated EventType = "season_rotated"
)

type MessagePayload struct {
	ID            string `json:"id"`
	Sender        string `json:"sender"`
	Content       string `json:"content"`
	CreatedAtMS   int64  `json:"created_at_ms"`
	IsFragment    bool   `json:"is_fragment,omitempty"`
	FragmentIndex int    `json:"fragment_index,omitempty"`
}

type Event struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Message        *MessagePayload `json:"message,omitempty"`
	Typing         *bool           `json:"is_typing,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	PersonaID      string          `json:"persona_id,omitempty"`
	AtMS           int64           `json:"at_ms"`
}

func TypingEvent(on bool) Event {
	return Event{Type: EventTyping, Typing: &on}
}

func ReadReceiptEvent(messageID string) Event {
	return Event{Type: EventReadReceipt, MessageID: messageID}
}

func SeasonRotatedEvent(personaID string) Event {
	return Event{Type: EventSeasonRotated, PersonaID: personaID}
}
