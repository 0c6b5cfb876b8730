package delivery

import (
	"context"
	"errors"
	"sync"

	"github.com/ent0n29/karmaspark/internal/protocol"
	"github.com/ent0n29/karmaspark/internal/reminder"
)

// ErrNoSubscribers means nobody was listening on the conversation.
var ErrNoSubscribers = errors.New("no subscribers for conversation")

// Subscription is one websocket client's outbound queue.
type Subscription struct {
	ConversationID string
	C              <-chan any

	ch chan any
}

// Hub fans out messages to websocket subscribers per conversation. Sends
// never block: a subscriber with a full queue misses the message.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe registers a queue for conversationID. The returned func removes
// it and closes C; it is safe to call more than once.
func (h *Hub) Subscribe(conversationID string) (*Subscription, func()) {
	ch := make(chan any, h.buffer)
	sub := &Subscription{ConversationID: conversationID, C: ch, ch: ch}

	h.mu.Lock()
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[conversationID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[conversationID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.subs, conversationID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish queues msg for every subscriber of conversationID and returns how
// many accepted it.
func (h *Hub) Publish(conversationID string, msg any) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for sub := range h.subs[conversationID] {
		select {
		case sub.ch <- msg:
			sent++
		default:
		}
	}
	return sent
}

func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}

func (h *Hub) Deliver(_ context.Context, r reminder.Reminder) error {
	msg := protocol.ReminderFired{
		Type:           protocol.TypeReminderFired,
		ConversationID: r.ConversationID,
		ReminderID:     r.ID,
		AuthorID:       r.AuthorID,
		Text:           r.Message,
		FireAt:         r.FireAt,
	}
	if h.Publish(r.ConversationID, msg) == 0 {
		return ErrNoSubscribers
	}
	return nil
}
