package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/shared"
	"github.com/ashureev/agentdesk/internal/store"
)

// Refunder returns a connection request's stake to its sender.
type Refunder interface {
	Refund(ctx context.Context, requestID string) (bool, error)
}

// Reaper expires events that reached their deadline undecided.
type Reaper struct {
	repo    store.Repository
	refunds Refunder
	ids     shared.IDGenerator
	now     shared.Clock
}

// NewReaper creates a reaper. refunds may be nil.
func NewReaper(repo store.Repository, refunds Refunder, ids shared.IDGenerator, now shared.Clock) *Reaper {
	if ids == nil {
		ids = shared.UUIDGenerator{}
	}
	if now == nil {
		now = shared.SystemClock
	}
	return &Reaper{repo: repo, refunds: refunds, ids: ids, now: now}
}

// OnExpiryTimer expires the event unless it is already decided or expired.
// Firing it repeatedly for the same event has the effect of firing it once.
func (r *Reaper) OnExpiryTimer(ctx context.Context, eventID string) error {
	var expired *domain.Event
	var owner string

	err := r.repo.WithTx(ctx, func(tx store.Repository) error {
		ev, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return fmt.Errorf("load event: %w", err)
		}
		if ev == nil || ev.Status.Terminal() {
			return nil
		}

		now := r.now()
		changed, err := tx.ExpireEvent(ctx, ev.ID, now)
		if err != nil {
			return fmt.Errorf("expire event: %w", err)
		}
		if !changed {
			return nil
		}
		ev.Status = domain.EventExpired
		expired = ev

		if ev.ConversationID != "" {
			if err := tx.SetConversationOutcome(ctx, ev.ConversationID, domain.ConversationExpired, "", nil, "", now); err != nil {
				return fmt.Errorf("expire conversation: %w", err)
			}
		}

		if ev.ConnectionRequestID == "" {
			return nil
		}
		agent, err := tx.GetAgent(ctx, ev.AgentID)
		if err != nil {
			return fmt.Errorf("load agent: %w", err)
		}
		if agent == nil || agent.OwnerUserID == "" {
			return nil
		}
		owner = agent.OwnerUserID

		_, err = tx.CreateNotification(ctx, &domain.Notification{
			ID:        r.ids.NewID(),
			UserID:    owner,
			Type:      domain.NotifyAgentEventExpired,
			Title:     "Your agent missed a connection request",
			Body:      "A connection request expired before your agent decided it.",
			RefID:     ev.ConnectionRequestID,
			DedupeKey: "event_expired:" + ev.ID,
			CreatedAt: now,
		})
		if err != nil {
			slog.Warn("failed to create expiry notification", "event_id", ev.ID, "user_id", owner, "error", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if expired == nil {
		return nil
	}

	slog.Info("Agent event expired", "event_id", expired.ID, "agent_id", expired.AgentID, "type", expired.Type)

	if owner != "" && r.refunds != nil {
		if _, err := r.refunds.Refund(ctx, expired.ConnectionRequestID); err != nil {
			slog.Warn("failed to refund stake of expired request",
				"event_id", expired.ID,
				"request_id", expired.ConnectionRequestID,
				"error", err)
		}
	}
	return nil
}

// RefundStranded retries refunds for requests whose event expired but whose
// stake is still held, and returns how many it refunded.
func (r *Reaper) RefundStranded(ctx context.Context, limit int) int {
	if r.refunds == nil {
		return 0
	}
	ids, err := r.repo.ListUnrefundedExpiredRequests(ctx, limit)
	if err != nil {
		slog.Error("failed to list unrefunded requests", "error", err)
		return 0
	}
	refunded := 0
	for _, id := range ids {
		ok, err := r.refunds.Refund(ctx, id)
		if err != nil {
			slog.Warn("failed to refund stranded stake", "request_id", id, "error", err)
			continue
		}
		if ok {
			refunded++
		}
	}
	if refunded > 0 {
		slog.Info("Refunded stranded stakes", "count", refunded)
	}
	return refunded
}
