package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Broadcaster is the fire-and-forget publishing side of the bus.
type Broadcaster interface {
	Publish(conversationID string, ev Event)
}

// EventBus fans conversation events out to subscribers. Publishing never
// fails; events a slow subscriber cannot take in time are counted as dropped.
type EventBus struct {
	subs    map[string]map[uint64]*Subscription
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

type Subscription struct {
	id             uint64
	conversationID string
	ch             chan Event
	bus            *EventBus
	once           sync.Once
}

const (
	publishTimeout   = 100 * time.Millisecond
	subscriberBuffer = 100
)

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]map[uint64]*Subscription)}
}

// Subscribe registers for events of one conversation. AllConversations
// receives every event, including app-level ones.
func (b *EventBus) Subscribe(conversationID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:             b.nextID,
		conversationID: conversationID,
		ch:             make(chan Event, subscriberBuffer),
		bus:            b,
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[uint64]*Subscription)
	}
	b.subs[conversationID][sub.id] = sub
	return sub
}

// Events is closed when the subscription is cancelled or the bus closes.
func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if set, ok := s.bus.subs[s.conversationID]; ok {
		if _, live := set[s.id]; live {
			delete(set, s.id)
			if len(set) == 0 {
				delete(s.bus.subs, s.conversationID)
			}
			s.close()
		}
	}
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

func (b *EventBus) Publish(conversationID string, ev Event) {
	if ev.ConversationID == "" {
		ev.ConversationID = conversationID
	}
	if ev.AtMS == 0 {
		ev.AtMS = time.Now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	targets := make([]*Subscription, 0, len(b.subs[conversationID])+len(b.subs[AllConversations]))
	for _, sub := range b.subs[conversationID] {
		targets = append(targets, sub)
	}
	if conversationID != AllConversations {
		for _, sub := range b.subs[AllConversations] {
			targets = append(targets, sub)
		}
	}
	for _, sub := range targets {
		b.deliver(sub, ev)
	}
}

func (b *EventBus) deliver(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case sub.ch <- ev:
		case <-timer.C:
			b.dropped.Add(1)
		}
	}
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for _, sub := range set {
			sub.close()
		}
	}
	b.subs = map[string]map[uint64]*Subscription{}
}

func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *EventBus) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[conversationID])
}
