// Package broadcast fans transition events out to per-session subscribers.
// Each session is its own topic; a subscriber only ever sees events for the
// session it asked for. Delivery is best effort: a subscriber that cannot
// keep up loses events rather than stalling the pipeline, and the progress
// endpoint remains the authoritative catch-up path.
package broadcast

import (
	"context"
	"sync"

	"github.com/docsrv/ingest/internal/logging"
	"github.com/docsrv/ingest/internal/upload/models"
)

// Publisher delivers transition events to whoever is listening.
type Publisher interface {
	Publish(ctx context.Context, event models.TransitionEvent)
}

type subscriber struct {
	id int
	ch chan models.TransitionEvent
}

// Hub is the in-process topic registry.
type Hub struct {
	mu         sync.RWMutex
	topics     map[string][]*subscriber
	nextID     int
	bufferSize int
	logger     logging.Logger
}

func NewHub(bufferSize int, logger logging.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Hub{
		topics:     make(map[string][]*subscriber),
		bufferSize: bufferSize,
		logger:     logger.With("module", "broadcast"),
	}
}

// Subscribe registers a listener for one session's events. The returned
// cancel func must be called when the listener goes away; it closes the
// channel.
func (h *Hub) Subscribe(sessionID string) (<-chan models.TransitionEvent, func()) {
	h.mu.Lock()
	h.nextID++
	sub := &subscriber{id: h.nextID, ch: make(chan models.TransitionEvent, h.bufferSize)}
	h.topics[sessionID] = append(h.topics[sessionID], sub)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.topics[sessionID]
		for i, s := range subs {
			if s.id == sub.id {
				h.topics[sessionID] = append(subs[:i], subs[i+1:]...)
				close(s.ch)
				break
			}
		}
		if len(h.topics[sessionID]) == 0 {
			delete(h.topics, sessionID)
		}
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber of its session. With no
// subscribers the event is dropped silently; a full subscriber buffer drops
// the event for that subscriber only.
func (h *Hub) Publish(ctx context.Context, event models.TransitionEvent) {
	h.mu.RLock()
	subs := h.topics[event.SessionID]
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			h.logger.Warn(ctx, "slow subscriber, dropping event",
				"sessionID", event.SessionID, "subscriber", sub.id)
		}
	}
}

// Subscribers reports the listener count for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[sessionID])
}

// CloseTopic disconnects every subscriber of a session, e.g. after deletion.
func (h *Hub) CloseTopic(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.topics[sessionID] {
		close(sub.ch)
	}
	delete(h.topics, sessionID)
}
