package domain

import (
	"time"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentUnclaimed AgentStatus = "UNCLAIMED"
	AgentActive    AgentStatus = "ACTIVE"
	AgentSuspended AgentStatus = "SUSPENDED"
)

// Agent is an external decision-making principal acting for one user.
type Agent struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	CredentialHash   string      `json:"-"`
	CredentialPrefix string      `json:"credentialPrefix"`
	Status           AgentStatus `json:"status"`
	OwnerUserID      string      `json:"ownerUserId,omitempty"`
	ClaimToken       string      `json:"-"`
	WebhookURL       string      `json:"webhookUrl,omitempty"`
	WebhookToken     string      `json:"-"`
	WebhookEnabled   bool        `json:"webhookEnabled"`
	LastSeenAt       *time.Time  `json:"lastSeenAt,omitempty"`
	PaymentAccountID string      `json:"paymentAccountId,omitempty"`
	ChatAccountID    string      `json:"chatAccountId,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// IsActive reports whether the agent can act on events.
func (a *Agent) IsActive() bool {
	return a != nil && a.Status == AgentActive
}

// IsClaimed reports whether a human owns the agent.
func (a *Agent) IsClaimed() bool {
	return a != nil && a.OwnerUserID != ""
}

// PushEnabled reports whether webhook delivery should be attempted.
func (a *Agent) PushEnabled() bool {
	return a.WebhookEnabled && a.WebhookURL != ""
}
