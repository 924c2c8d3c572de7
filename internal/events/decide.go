package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/store"
)

// Decide records an agent's decision on one of its events and applies the
// consequences to the linked request or negotiation. The decision body is
// validated before anything is written.
func (s *Service) Decide(ctx context.Context, agent *domain.Agent, eventID string, d domain.Decision) (*domain.Event, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	var decided *domain.Event
	err := s.run(ctx, "decide event", func(tx store.Repository, fx *effects) error {
		ev, err := s.decidableEvent(ctx, tx, agent, eventID)
		if err != nil {
			return err
		}
		if err := d.ValidateFor(ev.Type); err != nil {
			return err
		}

		now := s.now()
		changed, err := tx.DecideEvent(ctx, ev.ID, &d, now)
		if err != nil {
			return fmt.Errorf("decide event: %w", err)
		}
		if !changed {
			return s.terminalError(ctx, tx, ev.ID)
		}
		ev.Status = domain.EventDecided
		ev.Decision = &d
		ev.UpdatedAt = now

		if ev.ConversationID != "" {
			if err := tx.SetConversationOutcome(ctx, ev.ConversationID, domain.ConversationDecided,
				string(d.Decision), d.Confidence, d.Reason, now); err != nil {
				return fmt.Errorf("record conversation outcome: %w", err)
			}
		}

		switch ev.Type {
		case domain.EventConnectionRequest:
			err = s.applyRequestDecision(ctx, tx, fx, agent, ev, d)
		case domain.EventNegotiationOffer, domain.EventNegotiationTurn:
			err = s.applyNegotiationDecision(ctx, tx, fx, agent, ev, d)
		}
		if err != nil {
			return err
		}
		decided = ev
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Agent event decided", "event_id", eventID, "agent_id", agent.ID, "decision", d.Decision)
	return decided, nil
}

// decidableEvent loads an event and checks, in order, that it exists, that
// the caller owns it, and that it is neither decided nor past its deadline.
func (s *Service) decidableEvent(ctx context.Context, tx store.Repository, agent *domain.Agent, eventID string) (*domain.Event, error) {
	ev, err := tx.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	if ev == nil {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, eventID)
	}
	if ev.AgentID != agent.ID {
		return nil, ErrForbidden
	}
	if ev.Status == domain.EventDecided {
		return nil, ErrAlreadyDecided
	}
	if ev.ExpiredAt(s.now()) {
		return nil, ErrExpired
	}
	return ev, nil
}

func (s *Service) terminalError(ctx context.Context, tx store.Repository, eventID string) error {
	ev, err := tx.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("reload event: %w", err)
	}
	if ev != nil && ev.Status == domain.EventExpired {
		return ErrExpired
	}
	return ErrAlreadyDecided
}

func (s *Service) applyRequestDecision(ctx context.Context, tx store.Repository, fx *effects, agent *domain.Agent, ev *domain.Event, d domain.Decision) error {
	req, err := tx.GetConnectionRequest(ctx, ev.ConnectionRequestID)
	if err != nil {
		return fmt.Errorf("load connection request: %w", err)
	}
	if req == nil {
		return fmt.Errorf("%w: connection request %s", ErrNotFound, ev.ConnectionRequestID)
	}
	recipient, err := profile(ctx, tx, req.RecipientID)
	if err != nil {
		return err
	}
	now := s.now()

	switch d.Decision {
	case domain.DecisionAccept:
		if err := tx.UpdateConnectionRequestStatus(ctx, req.ID, domain.RequestAccepted, now); err != nil {
			return fmt.Errorf("accept request: %w", err)
		}
		err := tx.CreateConnection(ctx, &domain.Connection{
			ID:        s.ids.NewID(),
			UserA:     req.SenderID,
			UserB:     req.RecipientID,
			RequestID: req.ID,
			CreatedAt: now,
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("create connection: %w", err)
		}
		if err := tx.CreateMessageThread(ctx, &domain.MessageThread{
			ID:           s.ids.NewID(),
			Participants: []string{req.SenderID, req.RecipientID},
			CreatedAt:    now,
		}); err != nil {
			return fmt.Errorf("create message thread: %w", err)
		}
		if err := s.notify(ctx, tx, req.SenderID, domain.NotifyConnectionAccepted,
			"Connection accepted", recipient.Name+" accepted your connection request.", req.ID, ""); err != nil {
			return err
		}
		if err := s.notify(ctx, tx, req.RecipientID, domain.NotifyAgentDecision,
			"Your agent accepted a connection request", decisionBody(d), req.ID, ""); err != nil {
			return err
		}
		fx.later(func(ctx context.Context) {
			s.settleStake(ctx, req.ID)
			s.openDirectChannel(ctx, req.SenderID, req.RecipientID)
		})

	case domain.DecisionReject:
		if err := tx.UpdateConnectionRequestStatus(ctx, req.ID, domain.RequestRejected, now); err != nil {
			return fmt.Errorf("reject request: %w", err)
		}
		if err := s.notify(ctx, tx, req.SenderID, domain.NotifyConnectionRejected,
			"Connection request declined", recipient.Name+" declined your connection request.", req.ID, ""); err != nil {
			return err
		}
		if err := s.notify(ctx, tx, req.RecipientID, domain.NotifyAgentDecision,
			"Your agent declined a connection request", decisionBody(d), req.ID, ""); err != nil {
			return err
		}
		fx.later(func(ctx context.Context) {
			s.refundStake(ctx, req.ID)
		})

	case domain.DecisionAskMore:
		if err := tx.UpdateConnectionRequestStatus(ctx, req.ID, domain.RequestInConversation, now); err != nil {
			return fmt.Errorf("move request to conversation: %w", err)
		}
		body := recipient.Name + "'s agent wants to know more about your request."
		if d.Reason != "" {
			body = d.Reason
			conv := s.newConversation(agent.ID)
			conv.ConnectionRequestID = req.ID
			conv.PeerUserID = req.SenderID
			if err := tx.CreateConversation(ctx, conv); err != nil {
				return fmt.Errorf("create question conversation: %w", err)
			}
			if err := tx.AppendMessage(ctx, &domain.Message{
				ID:             s.ids.NewID(),
				ConversationID: conv.ID,
				Role:           domain.RoleAgent,
				Content:        d.Reason,
				CreatedAt:      now,
			}); err != nil {
				return fmt.Errorf("append question: %w", err)
			}
		}
		if err := s.notify(ctx, tx, req.SenderID, domain.NotifyConnectionQuestion,
			"A question about your connection request", body, req.ID, ""); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) applyNegotiationDecision(ctx context.Context, tx store.Repository, fx *effects, agent *domain.Agent, ev *domain.Event, d domain.Decision) error {
	neg, listing, err := s.loadNegotiation(ctx, tx, ev.NegotiationID)
	if err != nil {
		return err
	}
	if neg.Status != domain.NegotiationActive {
		return fmt.Errorf("%w: negotiation is %s", ErrExpired, neg.Status)
	}
	now := s.now()

	switch d.Decision {
	case domain.DecisionAccept:
		if err := tx.UpdateNegotiationStatus(ctx, neg.ID, domain.NegotiationAccepted, now); err != nil {
			return fmt.Errorf("accept negotiation: %w", err)
		}
		if err := tx.UpdateListingStatus(ctx, listing.ID, domain.ListingSold, now); err != nil {
			return fmt.Errorf("mark listing sold: %w", err)
		}
		body := fmt.Sprintf("%q sold for %.2f.", listing.Title, neg.CurrentPrice)
		for _, userID := range []string{neg.BuyerID, neg.SellerID} {
			if err := s.notify(ctx, tx, userID, domain.NotifyNegotiationAccepted,
				"Offer accepted", body, neg.ID, ""); err != nil {
				return err
			}
		}

	case domain.DecisionReject:
		if err := tx.UpdateNegotiationStatus(ctx, neg.ID, domain.NegotiationRejected, now); err != nil {
			return fmt.Errorf("reject negotiation: %w", err)
		}
		body := fmt.Sprintf("The negotiation for %q was declined.", listing.Title)
		for _, userID := range []string{neg.BuyerID, neg.SellerID} {
			if err := s.notify(ctx, tx, userID, domain.NotifyNegotiationRejected,
				"Offer declined", body, neg.ID, ""); err != nil {
				return err
			}
		}

	case domain.DecisionCounter:
		previous := neg.CurrentPrice
		price := *d.CounterPrice
		if err := tx.RecordNegotiationTurn(ctx, neg.ID, agent.ID, price, now); err != nil {
			return fmt.Errorf("record negotiation turn: %w", err)
		}
		neg.LastActorAgentID = agent.ID
		neg.CurrentPrice = price
		if _, err := s.ensureTurnEvent(ctx, tx, fx, neg, listing, previous, price, d.Reason); err != nil {
			return err
		}
	}
	return nil
}

func decisionBody(d domain.Decision) string {
	if d.Reason != "" {
		return d.Reason
	}
	return "No reason given."
}

func (s *Service) settleStake(ctx context.Context, requestID string) {
	if s.stakes == nil {
		return
	}
	if _, err := s.stakes.Settle(ctx, requestID); err != nil {
		slog.Warn("failed to settle stake", "request_id", requestID, "error", err)
	}
}

func (s *Service) refundStake(ctx context.Context, requestID string) {
	if s.stakes == nil {
		return
	}
	if _, err := s.stakes.Refund(ctx, requestID); err != nil {
		slog.Warn("failed to refund stake", "request_id", requestID, "error", err)
	}
}

func (s *Service) openDirectChannel(ctx context.Context, userA, userB string) {
	if s.chat == nil {
		return
	}
	if _, err := s.chat.EnsureDirectChannel(ctx, userA, userB); err != nil {
		slog.Warn("failed to open direct channel", "user_a", userA, "user_b", userB, "error", err)
	}
}
