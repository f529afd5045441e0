package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/swparkaust/chat-with-ai/pkg/generation"
)

type Phase string

const (
	PhaseTyping Phase = "typing"
	PhaseSend   Phase = "send"
)

type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeStopped     Outcome = "stopped"
	OutcomeInterrupted Outcome = "interrupted"
)

// Turn is one multi-fragment reply in flight. It travels between steps as
// the payload of a fragment_step job.
type Turn struct {
	ConversationID string          `json:"conversation_id"`
	PersonaID      string          `json:"persona_id"`
	TurnID         string          `json:"turn_id"`
	Mode           generation.Mode `json:"mode"`
	Fragments      []string        `json:"fragments"`
	Index          int             `json:"index"`
	Sent           int             `json:"sent"`
	Phase          Phase           `json:"phase"`
	// WatermarkSeq is the latest message seq the turn has accounted for.
	// Any later human message interrupts the turn.
	WatermarkSeq int64  `json:"watermark_seq"`
	LockToken    string `json:"lock_token"`
}

const payloadKey = "turn"

func (t Turn) Payload() (map[string]string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode turn: %w", err)
	}
	return map[string]string{payloadKey: string(raw)}, nil
}

func TurnFromPayload(payload map[string]string) (Turn, error) {
	raw, ok := payload[payloadKey]
	if !ok {
		return Turn{}, fmt.Errorf("decode turn: missing %q payload", payloadKey)
	}
	var t Turn
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Turn{}, fmt.Errorf("decode turn: %w", err)
	}
	if t.ConversationID == "" {
		return Turn{}, fmt.Errorf("decode turn: empty conversation_id")
	}
	return t, nil
}
