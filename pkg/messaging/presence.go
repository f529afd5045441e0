// Package messaging holds the participant-facing side effects of a turn:
// read receipts, new-message notifications and history formatting.
package messaging

import "sync"

// ViewState is what the participant's client last reported.
type ViewState struct {
	Focused        bool `json:"is_focused"`
	ScrollPosition int  `json:"scroll_position"`
}

// Presence tracks per-conversation view state. Conversations never
// reported on are treated as unfocused.
type Presence struct {
	mu     sync.RWMutex
	states map[string]ViewState
}

func NewPresence() *Presence {
	return &Presence{states: make(map[string]ViewState)}
}

func (p *Presence) Set(conversationID string, s ViewState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[conversationID] = s
}

func (p *Presence) Get(conversationID string) ViewState {
	if p == nil {
		return ViewState{}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.states[conversationID]
}

// ShouldNotify is true unless the participant is looking at the latest
// messages of the conversation.
func (p *Presence) ShouldNotify(conversationID string) bool {
	s := p.Get(conversationID)
	return !s.Focused || s.ScrollPosition > 0
}
