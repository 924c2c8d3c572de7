package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/store"
)

// Outcome is the result of an ensure call on the event factory.
type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeAlreadyExists Outcome = "already_exists"
	OutcomeNoActiveAgent Outcome = "no_active_agent"
	OutcomeSkip          Outcome = "skip"
)

// Result reports what an ensure call did. EventID is set for created and
// already-existing events.
type Result struct {
	Outcome Outcome `json:"outcome"`
	EventID string  `json:"eventId,omitempty"`
}

// ensure runs one factory step in its own transaction. A unique-index
// conflict means a concurrent caller created the event first; the step is
// run once more so it reports the winner as already existing.
func (s *Service) ensure(ctx context.Context, name string, step func(ctx context.Context, tx store.Repository, fx *effects) (*Result, error)) (*Result, error) {
	var res *Result
	attempt := func() error {
		return s.run(ctx, name, func(tx store.Repository, fx *effects) error {
			r, err := step(ctx, tx, fx)
			res = r
			return err
		})
	}

	err := attempt()
	if errors.Is(err, store.ErrConflict) {
		slog.Info("Lost event create race, re-reading", "op", name)
		err = attempt()
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// EnsureEventForConnectionRequest offers a pending connection request to the
// recipient's agent. Repeated calls never create a second open event nor a
// second fallback notification.
func (s *Service) EnsureEventForConnectionRequest(ctx context.Context, requestID string) (*Result, error) {
	return s.ensure(ctx, "ensure connection request event", func(ctx context.Context, tx store.Repository, fx *effects) (*Result, error) {
		return s.ensureRequestEvent(ctx, tx, fx, requestID)
	})
}

func (s *Service) ensureRequestEvent(ctx context.Context, tx store.Repository, fx *effects, requestID string) (*Result, error) {
	req, err := tx.GetConnectionRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load connection request: %w", err)
	}
	if req == nil {
		return nil, fmt.Errorf("%w: connection request %s", ErrNotFound, requestID)
	}
	if req.Status != domain.RequestPending {
		return &Result{Outcome: OutcomeSkip}, nil
	}

	agent, err := activeAgentOf(ctx, tx, req.RecipientID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		sender, err := profile(ctx, tx, req.SenderID)
		if err != nil {
			return nil, err
		}
		if err := s.notify(ctx, tx, req.RecipientID, domain.NotifyAgentRequired,
			"Connect an agent to handle requests",
			sender.Name+" sent you a connection request. Connect an agent to screen it for you.",
			req.ID, "agent_required:"+req.ID); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeNoActiveAgent}, nil
	}

	existing, err := tx.FindOpenEventForRequest(ctx, req.ID, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("find open event: %w", err)
	}
	if existing != nil {
		return &Result{Outcome: OutcomeAlreadyExists, EventID: existing.ID}, nil
	}

	sender, err := profile(ctx, tx, req.SenderID)
	if err != nil {
		return nil, err
	}

	conv := s.newConversation(agent.ID)
	conv.ConnectionRequestID = req.ID
	conv.PeerUserID = req.SenderID
	if err := tx.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	ev := s.newEvent(agent.ID, domain.ConnectionRequestPayload{
		RequestID:   req.ID,
		Sender:      sender,
		Category:    req.Category,
		Intent:      req.Intent,
		StakeAmount: req.StakeAmount,
	}, conv.ID)
	ev.ConnectionRequestID = req.ID
	if err := tx.CreateEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}

	fx.created = append(fx.created, ev.ID)
	slog.Info("Agent event created", "event_id", ev.ID, "agent_id", agent.ID, "type", ev.Type, "request_id", req.ID)
	return &Result{Outcome: OutcomeCreated, EventID: ev.ID}, nil
}

// EnsureEventForNegotiationOffer offers a buyer's opening offer to the
// seller's agent.
func (s *Service) EnsureEventForNegotiationOffer(ctx context.Context, negotiationID string) (*Result, error) {
	return s.ensure(ctx, "ensure negotiation offer event", func(ctx context.Context, tx store.Repository, fx *effects) (*Result, error) {
		return s.ensureOfferEvent(ctx, tx, fx, negotiationID)
	})
}

func (s *Service) loadNegotiation(ctx context.Context, tx store.Repository, negotiationID string) (*domain.Negotiation, *domain.Listing, error) {
	neg, err := tx.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return nil, nil, fmt.Errorf("load negotiation: %w", err)
	}
	if neg == nil {
		return nil, nil, fmt.Errorf("%w: negotiation %s", ErrNotFound, negotiationID)
	}
	listing, err := tx.GetListing(ctx, neg.ListingID)
	if err != nil {
		return nil, nil, fmt.Errorf("load listing: %w", err)
	}
	if listing == nil {
		return nil, nil, fmt.Errorf("%w: listing %s", ErrNotFound, neg.ListingID)
	}
	return neg, listing, nil
}

func (s *Service) ensureOfferEvent(ctx context.Context, tx store.Repository, fx *effects, negotiationID string) (*Result, error) {
	neg, listing, err := s.loadNegotiation(ctx, tx, negotiationID)
	if err != nil {
		return nil, err
	}
	if neg.Status != domain.NegotiationActive {
		return &Result{Outcome: OutcomeSkip}, nil
	}

	agent, err := activeAgentOf(ctx, tx, neg.SellerID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		if err := s.expireNegotiation(ctx, tx, neg, listing); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeNoActiveAgent}, nil
	}

	existing, err := tx.FindOpenEventForNegotiation(ctx, neg.ID, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("find open event: %w", err)
	}
	if existing != nil {
		return &Result{Outcome: OutcomeAlreadyExists, EventID: existing.ID}, nil
	}

	buyer, err := profile(ctx, tx, neg.BuyerID)
	if err != nil {
		return nil, err
	}

	return s.createNegotiationEvent(ctx, tx, fx, agent, neg, neg.BuyerID, domain.NegotiationOfferPayload{
		NegotiationID: neg.ID,
		ListingID:     listing.ID,
		ListingTitle:  listing.Title,
		ListingPrice:  listing.Price,
		OfferPrice:    neg.OfferPrice,
		Buyer:         buyer,
		Message:       neg.Message,
	})
}

// EnsureNegotiationTurn hands a counter-offer to the side of the negotiation
// that did not act last.
func (s *Service) EnsureNegotiationTurn(ctx context.Context, negotiationID string, counterPrice float64, reason string) (*Result, error) {
	return s.ensure(ctx, "ensure negotiation turn event", func(ctx context.Context, tx store.Repository, fx *effects) (*Result, error) {
		neg, listing, err := s.loadNegotiation(ctx, tx, negotiationID)
		if err != nil {
			return nil, err
		}
		return s.ensureTurnEvent(ctx, tx, fx, neg, listing, neg.CurrentPrice, counterPrice, reason)
	})
}

func (s *Service) ensureTurnEvent(ctx context.Context, tx store.Repository, fx *effects, neg *domain.Negotiation, listing *domain.Listing, previousPrice, counterPrice float64, reason string) (*Result, error) {
	if neg.Status != domain.NegotiationActive {
		return &Result{Outcome: OutcomeSkip}, nil
	}
	if counterPrice <= 0 {
		return nil, fmt.Errorf("%w: counterPrice must be positive", ErrInvalidInput)
	}

	seller, err := tx.GetAgentByOwner(ctx, neg.SellerID)
	if err != nil {
		return nil, fmt.Errorf("lookup seller agent: %w", err)
	}

	targetUser, peerUser, fromRole := neg.SellerID, neg.BuyerID, "buyer"
	if seller != nil && seller.ID == neg.LastActorAgentID {
		targetUser, peerUser, fromRole = neg.BuyerID, neg.SellerID, "seller"
	}

	agent, err := activeAgentOf(ctx, tx, targetUser)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		if err := s.expireNegotiation(ctx, tx, neg, listing); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeNoActiveAgent}, nil
	}

	existing, err := tx.FindOpenEventForNegotiation(ctx, neg.ID, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("find open event: %w", err)
	}
	if existing != nil {
		return &Result{Outcome: OutcomeAlreadyExists, EventID: existing.ID}, nil
	}

	return s.createNegotiationEvent(ctx, tx, fx, agent, neg, peerUser, domain.NegotiationTurnPayload{
		NegotiationID: neg.ID,
		ListingID:     listing.ID,
		ListingTitle:  listing.Title,
		ListingPrice:  listing.Price,
		PreviousPrice: previousPrice,
		CounterPrice:  counterPrice,
		FromRole:      fromRole,
		Reason:        reason,
	})
}

func (s *Service) createNegotiationEvent(ctx context.Context, tx store.Repository, fx *effects, agent *domain.Agent, neg *domain.Negotiation, peerUser string, payload domain.Payload) (*Result, error) {
	conv := s.newConversation(agent.ID)
	conv.NegotiationID = neg.ID
	conv.PeerUserID = peerUser
	if err := tx.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	ev := s.newEvent(agent.ID, payload, conv.ID)
	ev.NegotiationID = neg.ID
	if err := tx.CreateEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}

	fx.created = append(fx.created, ev.ID)
	slog.Info("Agent event created", "event_id", ev.ID, "agent_id", agent.ID, "type", ev.Type, "negotiation_id", neg.ID)
	return &Result{Outcome: OutcomeCreated, EventID: ev.ID}, nil
}

// expireNegotiation ends a negotiation that cannot continue one-sided and
// tells both parties.
func (s *Service) expireNegotiation(ctx context.Context, tx store.Repository, neg *domain.Negotiation, listing *domain.Listing) error {
	if err := tx.UpdateNegotiationStatus(ctx, neg.ID, domain.NegotiationExpired, s.now()); err != nil {
		return fmt.Errorf("expire negotiation: %w", err)
	}
	neg.Status = domain.NegotiationExpired

	body := fmt.Sprintf("The negotiation for %q ended because one side has no active agent.", listing.Title)
	for _, userID := range []string{neg.BuyerID, neg.SellerID} {
		if err := s.notify(ctx, tx, userID, domain.NotifyNegotiationExpired,
			"Negotiation expired", body, neg.ID,
			"negotiation_expired:"+neg.ID+":"+userID); err != nil {
			return err
		}
	}
	slog.Info("Negotiation expired", "negotiation_id", neg.ID)
	return nil
}
