// Package chat provides the stream router and per-peer transcripts of the chat client.
package chat

import (
	"sync"

	"github.com/omochice/toy-chat-client/pkg/protocol"
)

// Handlers receives inbound frames. Either field may be nil.
type Handlers struct {
	Message func(protocol.ChatMessage)
	Typing  func(protocol.Typing)
}

// Subscription is a registered set of Handlers.
type Subscription struct {
	handlers Handlers
}

// Hub fans every inbound frame out to all subscribers.
// Subscribers filter by peer themselves.
type Hub struct {
	subscribers map[*Subscription]bool
	mu          sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*Subscription]bool),
	}
}

// Register adds handlers to the hub.
func (h *Hub) Register(handlers Handlers) *Subscription {
	sub := &Subscription{handlers: handlers}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub] = true
	return sub
}

// Unregister removes a subscription from the hub.
func (h *Hub) Unregister(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, sub)
}

// SubscriberCount returns number of registered subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// PublishMessage delivers m to every subscriber with a message handler.
func (h *Hub) PublishMessage(m protocol.ChatMessage) {
	for _, sub := range h.snapshot() {
		if fn := sub.handlers.Message; fn != nil {
			fn(m)
		}
	}
}

// PublishTyping delivers t to every subscriber with a typing handler.
func (h *Hub) PublishTyping(t protocol.Typing) {
	for _, sub := range h.snapshot() {
		if fn := sub.handlers.Typing; fn != nil {
			fn(t)
		}
	}
}

// snapshot lets handlers run without the lock, so they may unsubscribe.
func (h *Hub) snapshot() []*Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := make([]*Subscription, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	return subs
}
