package domain

import (
	"time"
)

// EventType identifies the kind of work offered to an agent.
type EventType string

const (
	EventConnectionRequest EventType = "CONNECTION_REQUEST"
	EventNegotiationOffer  EventType = "NEGOTIATION_OFFER"
	EventNegotiationTurn   EventType = "NEGOTIATION_TURN"
	EventNewMessage        EventType = "NEW_MESSAGE"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventConnectionRequest, EventNegotiationOffer, EventNegotiationTurn, EventNewMessage:
		return true
	}
	return false
}

// IsNegotiation reports whether the event belongs to a marketplace negotiation.
func (t EventType) IsNegotiation() bool {
	return t == EventNegotiationOffer || t == EventNegotiationTurn
}

// EventStatus is the lifecycle state of an event.
//
// PENDING -> DELIVERED -> DECIDED, and PENDING|DELIVERED -> EXPIRED.
// DECIDED and EXPIRED are terminal.
type EventStatus string

const (
	EventPending   EventStatus = "PENDING"
	EventDelivered EventStatus = "DELIVERED"
	EventDecided   EventStatus = "DECIDED"
	EventExpired   EventStatus = "EXPIRED"
)

// Terminal reports whether no further transition is allowed.
func (s EventStatus) Terminal() bool {
	return s == EventDecided || s == EventExpired
}

// DefaultEventTTL is how long an agent has to decide an event.
const DefaultEventTTL = 24 * time.Hour

// Event is a unit of work offered to exactly one agent.
type Event struct {
	ID                  string      `json:"id"`
	AgentID             string      `json:"agentId"`
	Type                EventType   `json:"type"`
	Status              EventStatus `json:"status"`
	ConnectionRequestID string      `json:"connectionRequestId,omitempty"`
	NegotiationID       string      `json:"negotiationId,omitempty"`
	ConversationID      string      `json:"conversationId,omitempty"`
	Payload             Payload     `json:"payload"`
	Decision            *Decision   `json:"decision,omitempty"`
	ExpiresAt           time.Time   `json:"expiresAt"`
	WebhookAttempts     int         `json:"webhookAttempts"`
	LastWebhookAt       *time.Time  `json:"lastWebhookAt,omitempty"`
	CreatedAt           time.Time   `json:"createdAt"`
	UpdatedAt           time.Time   `json:"updatedAt"`
}

// ExpiredAt reports whether the event's deadline has been reached at now,
// whether or not the reaper has flipped its status yet. The deadline itself
// counts as expired, matching the poll query.
func (e *Event) ExpiredAt(now time.Time) bool {
	return e.Status == EventExpired || !now.Before(e.ExpiresAt)
}
