package events

import (
	"context"
	"fmt"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/store"
)

// contextMessages is how much conversation history accompanies a polled event.
const contextMessages = 20

// EventContext is the domain state an agent needs to decide an event.
type EventContext struct {
	ConnectionRequest *domain.ConnectionRequest `json:"connectionRequest,omitempty"`
	Sender            *domain.Profile           `json:"sender,omitempty"`
	Negotiation       *domain.Negotiation       `json:"negotiation,omitempty"`
	Listing           *domain.Listing           `json:"listing,omitempty"`
	Messages          []*domain.Message         `json:"messages,omitempty"`
}

// PolledEvent is an event together with its decision context.
type PolledEvent struct {
	*domain.Event
	Context EventContext `json:"context"`
}

// Poll returns the agent's undecided, unexpired events oldest first. Events
// still PENDING are marked DELIVERED in the same transaction.
func (s *Service) Poll(ctx context.Context, agent *domain.Agent) ([]*PolledEvent, error) {
	var out []*PolledEvent
	err := s.run(ctx, "poll events", func(tx store.Repository, _ *effects) error {
		now := s.now()
		events, err := tx.ListPollableEvents(ctx, agent.ID, now)
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}

		out = make([]*PolledEvent, 0, len(events))
		for _, ev := range events {
			if ev.Status == domain.EventPending {
				if _, err := tx.MarkEventDelivered(ctx, ev.ID, now); err != nil {
					return fmt.Errorf("mark delivered: %w", err)
				}
				ev.Status = domain.EventDelivered
				ev.UpdatedAt = now
			}
			ectx, err := s.eventContext(ctx, tx, ev)
			if err != nil {
				return err
			}
			out = append(out, &PolledEvent{Event: ev, Context: ectx})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) eventContext(ctx context.Context, tx store.Repository, ev *domain.Event) (EventContext, error) {
	var ectx EventContext

	if ev.ConnectionRequestID != "" {
		req, err := tx.GetConnectionRequest(ctx, ev.ConnectionRequestID)
		if err != nil {
			return ectx, fmt.Errorf("load connection request: %w", err)
		}
		ectx.ConnectionRequest = req
		if req != nil {
			p, err := profile(ctx, tx, req.SenderID)
			if err != nil {
				return ectx, err
			}
			ectx.Sender = &p
		}
	}

	if ev.NegotiationID != "" {
		neg, err := tx.GetNegotiation(ctx, ev.NegotiationID)
		if err != nil {
			return ectx, fmt.Errorf("load negotiation: %w", err)
		}
		ectx.Negotiation = neg
		if neg != nil {
			listing, err := tx.GetListing(ctx, neg.ListingID)
			if err != nil {
				return ectx, fmt.Errorf("load listing: %w", err)
			}
			ectx.Listing = listing
		}
	}

	if p, ok := ev.Payload.(domain.NewMessagePayload); ok {
		sender := p.Sender
		ectx.Sender = &sender
	}

	if ev.ConversationID != "" {
		msgs, err := tx.ListMessages(ctx, ev.ConversationID, contextMessages)
		if err != nil {
			return ectx, fmt.Errorf("load messages: %w", err)
		}
		ectx.Messages = msgs
	}
	return ectx, nil
}
