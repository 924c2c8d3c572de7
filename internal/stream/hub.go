// Package stream pushes "event available" hints to agents connected over a
// websocket. Hints never change event state; agents still poll or decide.
package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
)

const subscriberBuffer = 16

// Frame is one message sent to a subscriber.
type Frame struct {
	Type      string           `json:"type"`
	EventID   string           `json:"eventId"`
	EventType domain.EventType `json:"eventType"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// FrameEventAvailable tells the agent a new event can be polled.
const FrameEventAvailable = "event.available"

// Subscription receives frames for one agent connection.
type Subscription struct {
	agentID string
	frames  chan Frame
}

// Frames returns the channel frames arrive on. It is closed on Unsubscribe.
func (s *Subscription) Frames() <-chan Frame {
	return s.frames
}

// Hub fans frames out to every connection of an agent.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a new connection for agentID.
func (h *Hub) Subscribe(agentID string) *Subscription {
	sub := &Subscription{agentID: agentID, frames: make(chan Frame, subscriberBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[agentID]; !ok {
		h.subs[agentID] = make(map[*Subscription]struct{})
	}
	h.subs[agentID][sub] = struct{}{}
	slog.Info("Stream subscriber registered", "agent_id", agentID)
	return sub
}

// Unsubscribe removes the connection and closes its frame channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[sub.agentID]
	if !ok {
		return
	}
	if _, exists := subs[sub]; !exists {
		return
	}
	delete(subs, sub)
	close(sub.frames)
	if len(subs) == 0 {
		delete(h.subs, sub.agentID)
	}
	slog.Info("Stream subscriber unregistered", "agent_id", sub.agentID)
}

// Subscribers returns the number of live connections of agentID.
func (h *Hub) Subscribers(agentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[agentID])
}

// Publish sends an event.available frame to every connection of agentID.
// Slow subscribers drop frames rather than block the caller.
func (h *Hub) Publish(agentID string, ev *domain.Event) {
	frame := Frame{
		Type:      FrameEventAvailable,
		EventID:   ev.ID,
		EventType: ev.Type,
		ExpiresAt: ev.ExpiresAt,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[agentID] {
		select {
		case sub.frames <- frame:
		default:
			slog.Debug("Stream subscriber full, dropping frame", "agent_id", agentID, "event_id", ev.ID)
		}
	}
}
