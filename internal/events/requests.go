package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/store"
)

const (
	maxIntentLength = 2000
	maxTitleLength  = 200
)

// NewConnectionRequest is what a user's agent submits to reach another user.
type NewConnectionRequest struct {
	RecipientID string   `json:"recipientId"`
	Category    string   `json:"category,omitempty"`
	Intent      string   `json:"intent"`
	StakeAmount *float64 `json:"stakeAmount,omitempty"`
}

// RequestResult is the outcome of submitting a connection request.
type RequestResult struct {
	Request  *domain.ConnectionRequest `json:"request"`
	Event    *Result                   `json:"event"`
	Warnings []string                  `json:"warnings,omitempty"`
}

// CreateConnectionRequest records a request from senderID, holds its stake
// and offers it to the recipient's agent.
func (s *Service) CreateConnectionRequest(ctx context.Context, senderID string, in NewConnectionRequest) (*RequestResult, error) {
	in.RecipientID = strings.TrimSpace(in.RecipientID)
	in.Intent = strings.TrimSpace(in.Intent)
	switch {
	case in.RecipientID == "":
		return nil, fmt.Errorf("%w: recipientId is required", ErrInvalidInput)
	case in.RecipientID == senderID:
		return nil, fmt.Errorf("%w: cannot connect with yourself", ErrInvalidInput)
	case in.Intent == "" || len(in.Intent) > maxIntentLength:
		return nil, fmt.Errorf("%w: intent must be 1-%d characters", ErrInvalidInput, maxIntentLength)
	case in.StakeAmount != nil && *in.StakeAmount <= 0:
		return nil, fmt.Errorf("%w: stakeAmount must be positive", ErrInvalidInput)
	}

	now := s.now()
	req := &domain.ConnectionRequest{
		ID:          s.ids.NewID(),
		SenderID:    senderID,
		RecipientID: in.RecipientID,
		Category:    in.Category,
		Intent:      in.Intent,
		StakeAmount: in.StakeAmount,
		Status:      domain.RequestPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.run(ctx, "create connection request", func(tx store.Repository, _ *effects) error {
		recipient, err := tx.GetUser(ctx, in.RecipientID)
		if err != nil {
			return fmt.Errorf("load recipient: %w", err)
		}
		if recipient == nil {
			return fmt.Errorf("%w: user %s", ErrNotFound, in.RecipientID)
		}
		connected, err := tx.ConnectionExists(ctx, senderID, in.RecipientID)
		if err != nil {
			return fmt.Errorf("check connection: %w", err)
		}
		if connected {
			return fmt.Errorf("%w: already connected", ErrDuplicate)
		}
		open, err := tx.FindOpenRequestBetween(ctx, senderID, in.RecipientID)
		if err != nil {
			return fmt.Errorf("check open request: %w", err)
		}
		if open != nil {
			return fmt.Errorf("%w: request %s is still open", ErrDuplicate, open.ID)
		}
		if err := tx.CreateConnectionRequest(ctx, req); err != nil {
			return fmt.Errorf("create connection request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &RequestResult{Request: req}
	if s.stakes != nil {
		if _, err := s.stakes.HoldStake(ctx, req); err != nil {
			slog.Warn("failed to hold stake", "request_id", req.ID, "error", err)
			result.Warnings = append(result.Warnings, "stake could not be held: "+err.Error())
		}
	}

	res, err := s.EnsureEventForConnectionRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	result.Event = res
	return result, nil
}

// CreateListing puts an item up for sale.
func (s *Service) CreateListing(ctx context.Context, sellerID, title string, price float64) (*domain.Listing, error) {
	title = strings.TrimSpace(title)
	if title == "" || len(title) > maxTitleLength {
		return nil, fmt.Errorf("%w: title must be 1-%d characters", ErrInvalidInput, maxTitleLength)
	}
	if price <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}

	now := s.now()
	listing := &domain.Listing{
		ID:        s.ids.NewID(),
		SellerID:  sellerID,
		Title:     title,
		Price:     price,
		Status:    domain.ListingActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateListing(ctx, listing); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}
	return listing, nil
}

// OfferResult is the outcome of opening a negotiation.
type OfferResult struct {
	Negotiation *domain.Negotiation `json:"negotiation"`
	Event       *Result             `json:"event"`
}

// MakeOffer opens a negotiation on a listing on behalf of the buyer's agent
// and offers it to the seller's agent.
func (s *Service) MakeOffer(ctx context.Context, buyer *domain.Agent, listingID string, price float64, message string) (*OfferResult, error) {
	if !buyer.IsClaimed() {
		return nil, ErrNotClaimed
	}
	if price <= 0 {
		return nil, fmt.Errorf("%w: offerPrice must be positive", ErrInvalidInput)
	}

	var out *OfferResult
	err := s.run(ctx, "make offer", func(tx store.Repository, fx *effects) error {
		listing, err := tx.GetListing(ctx, listingID)
		if err != nil {
			return fmt.Errorf("load listing: %w", err)
		}
		if listing == nil {
			return fmt.Errorf("%w: listing %s", ErrNotFound, listingID)
		}
		if listing.Status != domain.ListingActive {
			return fmt.Errorf("%w: listing is %s", ErrUnavailable, listing.Status)
		}
		if listing.SellerID == buyer.OwnerUserID {
			return fmt.Errorf("%w: cannot make an offer on your own listing", ErrInvalidInput)
		}

		now := s.now()
		neg := &domain.Negotiation{
			ID:               s.ids.NewID(),
			ListingID:        listing.ID,
			BuyerID:          buyer.OwnerUserID,
			SellerID:         listing.SellerID,
			OfferPrice:       price,
			CurrentPrice:     price,
			Message:          strings.TrimSpace(message),
			Status:           domain.NegotiationActive,
			LastActorAgentID: buyer.ID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.CreateNegotiation(ctx, neg); err != nil {
			return fmt.Errorf("create negotiation: %w", err)
		}
		res, err := s.ensureOfferEvent(ctx, tx, fx, neg.ID)
		if err != nil {
			return err
		}
		neg.Status = statusAfter(res, neg.Status)
		out = &OfferResult{Negotiation: neg, Event: res}
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func statusAfter(res *Result, current domain.NegotiationStatus) domain.NegotiationStatus {
	if res != nil && res.Outcome == OutcomeNoActiveAgent {
		return domain.NegotiationExpired
	}
	return current
}
