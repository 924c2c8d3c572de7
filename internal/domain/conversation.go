package domain

import (
	"time"
)

// ConversationStatus is the lifecycle state of an agent conversation.
type ConversationStatus string

const (
	ConversationActive  ConversationStatus = "ACTIVE"
	ConversationDecided ConversationStatus = "DECIDED"
	ConversationExpired ConversationStatus = "EXPIRED"
)

// Conversation is one agent's view of a topic or a chat thread.
//
// Two conversations sharing a ChatThreadID belong to the two agents on each
// side of a chat and always hold the same number of messages.
type Conversation struct {
	ID                  string             `json:"id"`
	AgentID             string             `json:"agentId"`
	Status              ConversationStatus `json:"status"`
	ConnectionRequestID string             `json:"connectionRequestId,omitempty"`
	NegotiationID       string             `json:"negotiationId,omitempty"`
	ChatThreadID        string             `json:"chatThreadId,omitempty"`
	PeerUserID          string             `json:"peerUserId,omitempty"`
	Decision            string             `json:"decision,omitempty"`
	DecisionConfidence  *float64           `json:"decisionConfidence,omitempty"`
	DecisionReason      string             `json:"decisionReason,omitempty"`
	CreatedAt           time.Time          `json:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

// IsChatThread reports whether the conversation is two-sided.
func (c *Conversation) IsChatThread() bool {
	return c.ChatThreadID != ""
}

// MessageRole is the speaker of a message from the owning agent's view.
type MessageRole string

const (
	RoleAgent  MessageRole = "AGENT"
	RoleUser   MessageRole = "USER"
	RoleSystem MessageRole = "SYSTEM"
)

// Mirror returns the role as seen from the other side of a chat thread.
func (r MessageRole) Mirror() MessageRole {
	switch r {
	case RoleAgent:
		return RoleUser
	case RoleUser:
		return RoleAgent
	}
	return r
}

// Message is an immutable entry in a conversation.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	TokenCount     *int        `json:"tokenCount,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}
