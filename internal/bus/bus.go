// Package bus fans notifications out to live delivery channels. Delivery
// is best effort; the store remains the source of truth for unread state.
package bus

import (
	"sync"

	"github.com/stewardhq/steward/internal/store"
)

// Handler receives one notification for a subscribed user.
type Handler func(n *store.Notification)

// Hub routes freshly posted notifications to per-user subscribers. It
// satisfies the store's push seam.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]Handler
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]Handler)}
}

// Subscribe registers a handler for a user's notifications and returns an
// unsubscribe func.
func (h *Hub) Subscribe(userID string, fn Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[int]Handler)
	}
	h.subs[userID][id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[userID], id)
		if len(h.subs[userID]) == 0 {
			delete(h.subs, userID)
		}
	}
}

// Push delivers a notification to the user's subscribers. Returns false
// when nobody is listening, which is not an error.
func (h *Hub) Push(userID string, n *store.Notification) bool {
	h.mu.Lock()
	handlers := make([]Handler, 0, len(h.subs[userID]))
	for _, fn := range h.subs[userID] {
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()
	for _, fn := range handlers {
		fn(n)
	}
	return len(handlers) > 0
}

var _ store.Pusher = (*Hub)(nil)
