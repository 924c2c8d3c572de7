// Package events creates, delivers and resolves the units of work offered to
// agents: connection requests, negotiation offers and turns, and chat messages.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/shared"
	"github.com/ashureev/agentdesk/internal/store"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("event belongs to another agent")
	ErrAlreadyDecided = errors.New("event already decided")
	ErrExpired        = errors.New("event expired")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotClaimed     = errors.New("agent not claimed")
	ErrPeerNoAgent    = errors.New("target has no active agent")
	ErrDuplicate      = errors.New("already exists")
	ErrUnavailable    = errors.New("no longer available")
)

// Scheduler is told about every event committed by this package.
type Scheduler interface {
	OnEventCreated(eventID string)
}

// Stakes moves connection-request stakes held in escrow.
type Stakes interface {
	HoldStake(ctx context.Context, req *domain.ConnectionRequest) (*domain.PaymentTransaction, error)
	Refund(ctx context.Context, requestID string) (bool, error)
	Settle(ctx context.Context, requestID string) (bool, error)
}

// ChatProvisioner opens a direct channel between two users on the chat network.
type ChatProvisioner interface {
	EnsureDirectChannel(ctx context.Context, userA, userB string) (string, error)
}

// Options configures a Service. Zero values fall back to production defaults.
type Options struct {
	IDs       shared.IDGenerator
	Clock     shared.Clock
	EventTTL  time.Duration
	Scheduler Scheduler
	Stakes    Stakes
	Chat      ChatProvisioner
}

// Service implements the event factory, decision processor, conversation
// router and poll operations on top of one repository.
type Service struct {
	repo      store.Repository
	ids       shared.IDGenerator
	now       shared.Clock
	ttl       time.Duration
	scheduler Scheduler
	stakes    Stakes
	chat      ChatProvisioner
}

// NewService creates an event service.
func NewService(repo store.Repository, opts Options) *Service {
	s := &Service{
		repo:      repo,
		ids:       opts.IDs,
		now:       opts.Clock,
		ttl:       opts.EventTTL,
		scheduler: opts.Scheduler,
		stakes:    opts.Stakes,
		chat:      opts.Chat,
	}
	if s.ids == nil {
		s.ids = shared.UUIDGenerator{}
	}
	if s.now == nil {
		s.now = shared.SystemClock
	}
	if s.ttl <= 0 {
		s.ttl = domain.DefaultEventTTL
	}
	return s
}

// effects collects work that must only run once a transaction committed.
type effects struct {
	created []string
	after   []func(ctx context.Context)
}

func (fx *effects) later(fn func(ctx context.Context)) {
	fx.after = append(fx.after, fn)
}

// run executes fn in one transaction, retrying the whole transaction on
// SQLite lock contention, and then releases the collected effects.
func (s *Service) run(ctx context.Context, name string, fn func(tx store.Repository, fx *effects) error) error {
	var fx *effects
	err := shared.WithSQLiteRetry(ctx, shared.DefaultRetryPolicy, name, func() error {
		fx = &effects{}
		return s.repo.WithTx(ctx, func(tx store.Repository) error {
			return fn(tx, fx)
		})
	})
	if err != nil {
		return err
	}

	if s.scheduler != nil {
		for _, id := range fx.created {
			s.scheduler.OnEventCreated(id)
		}
	}
	for _, f := range fx.after {
		f(ctx)
	}
	return nil
}

func (s *Service) notify(ctx context.Context, tx store.Repository, userID, kind, title, body, refID, dedupeKey string) error {
	n := &domain.Notification{
		ID:        s.ids.NewID(),
		UserID:    userID,
		Type:      kind,
		Title:     title,
		Body:      body,
		RefID:     refID,
		DedupeKey: dedupeKey,
		CreatedAt: s.now(),
	}
	created, err := tx.CreateNotification(ctx, n)
	if err != nil {
		return fmt.Errorf("notify %s: %w", userID, err)
	}
	if !created {
		slog.Debug("Notification already exists", "user_id", userID, "dedupe_key", dedupeKey)
	}
	return nil
}

// profile returns the public profile of a user, falling back to the bare id
// for users this service has not seen yet.
func profile(ctx context.Context, tx store.Repository, userID string) (domain.Profile, error) {
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	if u == nil {
		return domain.Profile{UserID: userID, Name: userID}, nil
	}
	return u.PublicProfile(), nil
}

func (s *Service) newEvent(agentID string, payload domain.Payload, conversationID string) *domain.Event {
	now := s.now()
	return &domain.Event{
		ID:             s.ids.NewID(),
		AgentID:        agentID,
		Type:           payload.EventType(),
		Status:         domain.EventPending,
		ConversationID: conversationID,
		Payload:        payload,
		ExpiresAt:      now.Add(s.ttl),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Service) newConversation(agentID string) *domain.Conversation {
	now := s.now()
	return &domain.Conversation{
		ID:        s.ids.NewID(),
		AgentID:   agentID,
		Status:    domain.ConversationActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// activeAgentOf returns the ACTIVE agent owned by userID, or nil.
func activeAgentOf(ctx context.Context, tx store.Repository, userID string) (*domain.Agent, error) {
	agent, err := tx.GetAgentByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup agent of %s: %w", userID, err)
	}
	if agent == nil || !agent.IsActive() {
		return nil, nil
	}
	return agent, nil
}
