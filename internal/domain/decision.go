package domain

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// DecisionKind is the verdict an agent returns for an event.
type DecisionKind string

const (
	DecisionAccept  DecisionKind = "ACCEPT"
	DecisionReject  DecisionKind = "REJECT"
	DecisionAskMore DecisionKind = "ASK_MORE"
	DecisionCounter DecisionKind = "COUNTER"
	// DecisionReply is recorded when a NEW_MESSAGE event is answered through
	// the reply endpoint. Agents cannot submit it to decide.
	DecisionReply DecisionKind = "REPLY"
)

// MaxReasonLength bounds the free-text reason on a decision.
const MaxReasonLength = 2000

// Decision is the body an agent submits to decide an event.
type Decision struct {
	Decision     DecisionKind `json:"decision"`
	Confidence   *float64     `json:"confidence,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	CounterPrice *float64     `json:"counterPrice,omitempty"`
}

// ErrInvalidDecision is wrapped by every decision validation failure.
var ErrInvalidDecision = errors.New("invalid decision")

// Validate checks the decision body independent of the event it targets.
func (d Decision) Validate() error {
	switch d.Decision {
	case DecisionAccept, DecisionReject, DecisionAskMore, DecisionCounter:
	default:
		return fmt.Errorf("%w: decision must be one of ACCEPT, REJECT, ASK_MORE, COUNTER", ErrInvalidDecision)
	}
	if d.Confidence != nil && (*d.Confidence < 0 || *d.Confidence > 1) {
		return fmt.Errorf("%w: confidence must be between 0 and 1", ErrInvalidDecision)
	}
	if utf8.RuneCountInString(d.Reason) > MaxReasonLength {
		return fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidDecision, MaxReasonLength)
	}
	if d.CounterPrice != nil && *d.CounterPrice <= 0 {
		return fmt.Errorf("%w: counterPrice must be positive", ErrInvalidDecision)
	}
	return nil
}

// ValidateFor checks that the decision applies to events of type t.
func (d Decision) ValidateFor(t EventType) error {
	if err := d.Validate(); err != nil {
		return err
	}
	switch t {
	case EventConnectionRequest:
		if d.Decision == DecisionCounter {
			return fmt.Errorf("%w: COUNTER is only valid for negotiation events", ErrInvalidDecision)
		}
	case EventNegotiationOffer, EventNegotiationTurn:
		if d.Decision == DecisionAskMore {
			return fmt.Errorf("%w: ASK_MORE is only valid for connection requests", ErrInvalidDecision)
		}
		if d.Decision == DecisionCounter && d.CounterPrice == nil {
			return fmt.Errorf("%w: COUNTER requires counterPrice", ErrInvalidDecision)
		}
	case EventNewMessage:
		return fmt.Errorf("%w: NEW_MESSAGE events are answered with a reply", ErrInvalidDecision)
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidDecision, t)
	}
	return nil
}
