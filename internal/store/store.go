// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
)

// ErrConflict is returned when a write violates a uniqueness invariant, such
// as a second open event for the same request and agent.
var ErrConflict = errors.New("store: conflict")

// Lookups return (nil, nil) when the record does not exist.

// Repository defines the interface for persisting agents, events and the
// collaborator entities they act on.
type Repository interface {
	// WithTx runs fn against a repository bound to one transaction. Calls made
	// on a repository that is already transactional reuse that transaction.
	WithTx(ctx context.Context, fn func(tx Repository) error) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	AgentRepository
	EventRepository
	ConversationRepository
	SocialRepository
	PaymentRepository
}

// AgentRepository persists agents and their owners.
type AgentRepository interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error

	CreateAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	GetAgentByOwner(ctx context.Context, userID string) (*domain.Agent, error)
	GetAgentByCredentialHash(ctx context.Context, hash string) (*domain.Agent, error)
	GetAgentByClaimToken(ctx context.Context, token string) (*domain.Agent, error)

	// ClaimAgent consumes the claim token, activates the agent and sets its
	// owner. Returns ErrConflict if the token was already consumed or the user
	// already owns an agent.
	ClaimAgent(ctx context.Context, agentID, userID, token string, at time.Time) error

	UpdateAgentWebhook(ctx context.Context, agentID, url, token string, enabled bool) error
	UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) error
	SetAgentAccounts(ctx context.Context, agentID, paymentAccountID, chatAccountID string) error

	// TouchAgent updates last_seen_at.
	TouchAgent(ctx context.Context, agentID string, at time.Time) error
}

// EventRepository persists agent events.
type EventRepository interface {
	// CreateEvent inserts an event. Returns ErrConflict if another
	// non-terminal event exists for the same request or negotiation and agent.
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvent(ctx context.Context, eventID string) (*domain.Event, error)

	// ListPollableEvents returns PENDING and DELIVERED events of the agent
	// that expire after now, oldest first.
	ListPollableEvents(ctx context.Context, agentID string, now time.Time) ([]*domain.Event, error)

	// ListExpirableEvents returns non-terminal events whose deadline passed.
	ListExpirableEvents(ctx context.Context, now time.Time, limit int) ([]*domain.Event, error)

	// ListUnrefundedExpiredRequests returns connection requests whose event
	// expired while their stake is still held, and which have no other live
	// or decided event.
	ListUnrefundedExpiredRequests(ctx context.Context, limit int) ([]string, error)

	FindOpenEventForRequest(ctx context.Context, requestID, agentID string) (*domain.Event, error)
	FindOpenEventForNegotiation(ctx context.Context, negotiationID, agentID string) (*domain.Event, error)

	// MarkEventDelivered flips PENDING to DELIVERED. Reports whether a row changed.
	MarkEventDelivered(ctx context.Context, eventID string, at time.Time) (bool, error)

	// DecideEvent flips PENDING or DELIVERED to DECIDED and stores the decision.
	// Reports whether a row changed.
	DecideEvent(ctx context.Context, eventID string, decision *domain.Decision, at time.Time) (bool, error)

	// ExpireEvent flips PENDING or DELIVERED to EXPIRED. Reports whether a row changed.
	ExpireEvent(ctx context.Context, eventID string, at time.Time) (bool, error)

	// RecordWebhookAttempt increments the attempt counter while it is below
	// limit and returns its new value. ok is false, with nothing written, when
	// the budget is already spent or the event does not exist.
	RecordWebhookAttempt(ctx context.Context, eventID string, at time.Time, limit int) (attempt int, ok bool, err error)
}

// ConversationRepository persists agent conversations and their messages.
type ConversationRepository interface {
	// CreateConversation inserts a conversation. Returns ErrConflict if the
	// agent already has a conversation for the same chat thread.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	FindConversationByThread(ctx context.Context, agentID, chatThreadID string) (*domain.Conversation, error)

	// FindThreadConversationByPeer returns the agent's chat-thread
	// conversation with peerUserID, most recently updated first.
	FindThreadConversationByPeer(ctx context.Context, agentID, peerUserID string) (*domain.Conversation, error)

	// AttachChatThread upgrades a one-sided conversation to a chat thread.
	// Reports whether a row changed; conversations that already carry a
	// thread are left untouched.
	AttachChatThread(ctx context.Context, conversationID, chatThreadID, peerUserID string, at time.Time) (bool, error)

	SetConversationOutcome(ctx context.Context, conversationID string, status domain.ConversationStatus, decision string, confidence *float64, reason string, at time.Time) error
	TouchConversation(ctx context.Context, conversationID string, at time.Time) error

	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns messages in creation order. A positive limit keeps
	// only the most recent limit messages.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error)
}

// SocialRepository persists the collaborator-owned entities that decisions
// act on.
type SocialRepository interface {
	CreateConnectionRequest(ctx context.Context, req *domain.ConnectionRequest) error
	GetConnectionRequest(ctx context.Context, requestID string) (*domain.ConnectionRequest, error)
	FindOpenRequestBetween(ctx context.Context, senderID, recipientID string) (*domain.ConnectionRequest, error)
	UpdateConnectionRequestStatus(ctx context.Context, requestID string, status domain.RequestStatus, at time.Time) error

	// CreateConnection inserts a connection. Returns ErrConflict if the pair
	// is already connected, in either order.
	CreateConnection(ctx context.Context, conn *domain.Connection) error
	ConnectionExists(ctx context.Context, userA, userB string) (bool, error)

	CreateMessageThread(ctx context.Context, thread *domain.MessageThread) error
	ListMessageThreads(ctx context.Context, userID string) ([]*domain.MessageThread, error)

	CreateListing(ctx context.Context, listing *domain.Listing) error
	GetListing(ctx context.Context, listingID string) (*domain.Listing, error)
	UpdateListingStatus(ctx context.Context, listingID string, status domain.ListingStatus, at time.Time) error

	CreateNegotiation(ctx context.Context, neg *domain.Negotiation) error
	GetNegotiation(ctx context.Context, negotiationID string) (*domain.Negotiation, error)
	UpdateNegotiationStatus(ctx context.Context, negotiationID string, status domain.NegotiationStatus, at time.Time) error

	// RecordNegotiationTurn stores the acting agent and its price.
	RecordNegotiationTurn(ctx context.Context, negotiationID, actorAgentID string, price float64, at time.Time) error

	// CreateNotification inserts a notification. A notification whose dedupe
	// key already exists is skipped; the result reports whether it was created.
	CreateNotification(ctx context.Context, n *domain.Notification) (bool, error)
	ListNotifications(ctx context.Context, userID string) ([]*domain.Notification, error)
}

// PaymentRepository persists stake transactions.
type PaymentRepository interface {
	CreatePayment(ctx context.Context, p *domain.PaymentTransaction) error
	GetPendingPaymentForRequest(ctx context.Context, requestID string) (*domain.PaymentTransaction, error)

	// TransitionPayment moves a payment from one status to another. Reports
	// whether a row changed, which makes every transition happen at most once.
	TransitionPayment(ctx context.Context, paymentID string, from, to domain.PaymentStatus, txHash string, at time.Time) (bool, error)
}
