package domain

import (
	"time"
)

// RequestStatus is the state of a connection request.
type RequestStatus string

const (
	RequestPending        RequestStatus = "PENDING"
	RequestInConversation RequestStatus = "IN_CONVERSATION"
	RequestAccepted       RequestStatus = "ACCEPTED"
	RequestRejected       RequestStatus = "REJECTED"
	RequestCancelled      RequestStatus = "CANCELLED"
)

// ConnectionRequest asks the recipient to connect with the sender.
type ConnectionRequest struct {
	ID          string        `json:"id"`
	SenderID    string        `json:"senderId"`
	RecipientID string        `json:"recipientId"`
	Category    string        `json:"category,omitempty"`
	Intent      string        `json:"intent"`
	StakeAmount *float64      `json:"stakeAmount,omitempty"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Connection is an accepted, bidirectional link between two users.
type Connection struct {
	ID        string    `json:"id"`
	UserA     string    `json:"userA"`
	UserB     string    `json:"userB"`
	RequestID string    `json:"requestId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageThread is a human-facing direct message thread.
type MessageThread struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ListingStatus is the state of a marketplace listing.
type ListingStatus string

const (
	ListingActive   ListingStatus = "ACTIVE"
	ListingSold     ListingStatus = "SOLD"
	ListingArchived ListingStatus = "ARCHIVED"
)

// Listing is an item offered for sale.
type Listing struct {
	ID        string        `json:"id"`
	SellerID  string        `json:"sellerId"`
	Title     string        `json:"title"`
	Price     float64       `json:"price"`
	Status    ListingStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// NegotiationStatus is the state of a negotiation.
type NegotiationStatus string

const (
	NegotiationActive   NegotiationStatus = "ACTIVE"
	NegotiationAccepted NegotiationStatus = "ACCEPTED"
	NegotiationRejected NegotiationStatus = "REJECTED"
	NegotiationExpired  NegotiationStatus = "EXPIRED"
)

// Negotiation is a price negotiation between a buyer and a listing's seller.
//
// LastActorAgentID is the agent that made the latest offer or counter; the
// next turn goes to the other side.
type Negotiation struct {
	ID               string            `json:"id"`
	ListingID        string            `json:"listingId"`
	BuyerID          string            `json:"buyerId"`
	SellerID         string            `json:"sellerId"`
	OfferPrice       float64           `json:"offerPrice"`
	CurrentPrice     float64           `json:"currentPrice"`
	Message          string            `json:"message,omitempty"`
	Status           NegotiationStatus `json:"status"`
	LastActorAgentID string            `json:"lastActorAgentId,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Notification is a message shown to a human user.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	RefID     string    `json:"refId,omitempty"`
	DedupeKey string    `json:"-"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Notification types.
const (
	NotifyAgentRequired       = "agent_required"
	NotifyConnectionAccepted  = "connection_accepted"
	NotifyConnectionRejected  = "connection_rejected"
	NotifyConnectionQuestion  = "connection_question"
	NotifyAgentDecision       = "agent_decision"
	NotifyAgentEventExpired   = "agent_event_expired"
	NotifyNegotiationAccepted = "negotiation_accepted"
	NotifyNegotiationRejected = "negotiation_rejected"
	NotifyNegotiationExpired  = "negotiation_expired"
)

// PaymentStatus is the state of a payment transaction.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentSettled  PaymentStatus = "SETTLED"
	PaymentRefunded PaymentStatus = "REFUNDED"
	PaymentFailed   PaymentStatus = "FAILED"
)

// PaymentTransaction records a stake held in escrow for a connection request.
type PaymentTransaction struct {
	ID                  string        `json:"id"`
	ConnectionRequestID string        `json:"connectionRequestId"`
	SenderID            string        `json:"senderId"`
	ReceiverID          string        `json:"receiverId"`
	Amount              float64       `json:"amount"`
	Status              PaymentStatus `json:"status"`
	TxHash              string        `json:"txHash,omitempty"`
	IdempotencyKey      string        `json:"-"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}
