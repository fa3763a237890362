package fakebackend

import (
	"sync"

	"github.com/rs/zerolog"
)

// subscriber is one websocket subscribed to a pubsub token.
type subscriber struct {
	token    string
	outgoing chan []byte
}

// Hub fans realtime frames out to the subscribers of each pubsub token.
type Hub struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	tokens map[string]map[*subscriber]bool
}

// NewHub creates an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger,
		tokens: make(map[string]map[*subscriber]bool),
	}
}

// Register subscribes s to its token.
func (h *Hub) Register(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.tokens[s.token]
	if !ok {
		set = make(map[*subscriber]bool)
		h.tokens[s.token] = set
	}
	set[s] = true
}

// Unregister removes s. Safe to call for an unregistered subscriber.
func (h *Hub) Unregister(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.tokens[s.token]
	delete(set, s)
	if len(set) == 0 {
		delete(h.tokens, s.token)
	}
}

// SubscriberCount returns the number of subscribers for token.
func (h *Hub) SubscriberCount(token string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tokens[token])
}

// Publish queues data for every subscriber of token. Slow subscribers drop
// frames rather than block the publisher.
func (h *Hub) Publish(token string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for s := range h.tokens[token] {
		select {
		case s.outgoing <- data:
			delivered++
		default:
			h.logger.Warn().Msg("subscriber queue full, dropping frame")
		}
	}
	return delivered
}
