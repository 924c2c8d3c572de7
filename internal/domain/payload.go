package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Payload is the type-specific snapshot an agent needs to decide an event.
// Each event type has exactly one payload shape.
type Payload interface {
	EventType() EventType
	Validate() error
}

// ConnectionRequestPayload is carried by CONNECTION_REQUEST events.
type ConnectionRequestPayload struct {
	RequestID   string   `json:"requestId"`
	Sender      Profile  `json:"sender"`
	Category    string   `json:"category,omitempty"`
	Intent      string   `json:"intent"`
	StakeAmount *float64 `json:"stakeAmount,omitempty"`
}

// EventType implements Payload.
func (ConnectionRequestPayload) EventType() EventType { return EventConnectionRequest }

// Validate implements Payload.
func (p ConnectionRequestPayload) Validate() error {
	if p.RequestID == "" {
		return errors.New("connection request payload: requestId is required")
	}
	if p.Sender.UserID == "" {
		return errors.New("connection request payload: sender is required")
	}
	return nil
}

// NegotiationOfferPayload is carried by NEGOTIATION_OFFER events.
type NegotiationOfferPayload struct {
	NegotiationID string  `json:"negotiationId"`
	ListingID     string  `json:"listingId"`
	ListingTitle  string  `json:"listingTitle"`
	ListingPrice  float64 `json:"listingPrice"`
	OfferPrice    float64 `json:"offerPrice"`
	Buyer         Profile `json:"buyer"`
	Message       string  `json:"message,omitempty"`
}

// EventType implements Payload.
func (NegotiationOfferPayload) EventType() EventType { return EventNegotiationOffer }

// Validate implements Payload.
func (p NegotiationOfferPayload) Validate() error {
	if p.NegotiationID == "" || p.ListingID == "" {
		return errors.New("negotiation offer payload: negotiationId and listingId are required")
	}
	if p.OfferPrice <= 0 {
		return errors.New("negotiation offer payload: offerPrice must be positive")
	}
	return nil
}

// NegotiationTurnPayload is carried by NEGOTIATION_TURN events.
type NegotiationTurnPayload struct {
	NegotiationID string  `json:"negotiationId"`
	ListingID     string  `json:"listingId"`
	ListingTitle  string  `json:"listingTitle"`
	ListingPrice  float64 `json:"listingPrice"`
	PreviousPrice float64 `json:"previousPrice"`
	CounterPrice  float64 `json:"counterPrice"`
	FromRole      string  `json:"fromRole"`
	Reason        string  `json:"reason,omitempty"`
}

// EventType implements Payload.
func (NegotiationTurnPayload) EventType() EventType { return EventNegotiationTurn }

// Validate implements Payload.
func (p NegotiationTurnPayload) Validate() error {
	if p.NegotiationID == "" {
		return errors.New("negotiation turn payload: negotiationId is required")
	}
	if p.CounterPrice <= 0 {
		return errors.New("negotiation turn payload: counterPrice must be positive")
	}
	return nil
}

// NewMessagePayload is carried by NEW_MESSAGE events.
type NewMessagePayload struct {
	ChatThreadID  string  `json:"chatThreadId"`
	SenderUserID  string  `json:"senderUserId"`
	SenderAgentID string  `json:"senderAgentId"`
	Sender        Profile `json:"sender"`
	Content       string  `json:"content"`
}

// EventType implements Payload.
func (NewMessagePayload) EventType() EventType { return EventNewMessage }

// Validate implements Payload.
func (p NewMessagePayload) Validate() error {
	if p.ChatThreadID == "" {
		return errors.New("new message payload: chatThreadId is required")
	}
	if p.Content == "" {
		return errors.New("new message payload: content is required")
	}
	return nil
}

// EncodePayload validates p and serializes it for storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("payload is required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// DecodePayload parses a stored payload according to the event type.
func DecodePayload(t EventType, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case EventConnectionRequest:
		var v ConnectionRequestPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventNegotiationOffer:
		var v NegotiationOfferPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventNegotiationTurn:
		var v NegotiationTurnPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventNewMessage:
		var v NewMessagePayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
