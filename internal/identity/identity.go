// Package identity authenticates agents by bearer credential and resolves the
// human principal forwarded by the upstream session layer.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/shared"
	"github.com/ashureev/agentdesk/internal/store"
	"github.com/zeebo/blake3"
)

const (
	// CredentialPrefix starts every agent credential.
	CredentialPrefix = "agd_"
	claimTokenPrefix = "claim_"

	credentialBytes   = 32
	claimTokenBytes   = 16
	displayPrefixLen  = len(CredentialPrefix) + 8
	maxAgentNameBytes = 100
)

var credentialPattern = regexp.MustCompile(`^agd_[a-f0-9]{64}$`)

var (
	ErrMissingCredential   = errors.New("missing credential")
	ErrMalformedCredential = errors.New("malformed credential")
	ErrUnknownCredential   = errors.New("unknown credential")
	ErrSuspended           = errors.New("agent suspended")
	ErrNotClaimed          = errors.New("agent not claimed")
	ErrInvalidClaimToken   = errors.New("invalid claim token")
	ErrAlreadyClaimed      = errors.New("agent already claimed")
	ErrAlreadyOwnsAgent    = errors.New("user already owns an agent")
	ErrAgentNotFound       = errors.New("agent not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidInput        = errors.New("invalid input")
)

// AccountProvisioner creates an account for a user on an external system.
type AccountProvisioner interface {
	EnsureAccount(ctx context.Context, userID string) (string, error)
}

// Service registers, authenticates and claims agents.
type Service struct {
	repo     store.Repository
	ids      shared.IDGenerator
	now      shared.Clock
	payments AccountProvisioner
	chat     AccountProvisioner
}

// NewService creates an identity service.
func NewService(repo store.Repository, ids shared.IDGenerator, now shared.Clock) *Service {
	if ids == nil {
		ids = shared.UUIDGenerator{}
	}
	if now == nil {
		now = shared.SystemClock
	}
	return &Service{repo: repo, ids: ids, now: now}
}

// SetProvisioners wires the external account provisioners run after a claim.
func (s *Service) SetProvisioners(payments, chat AccountProvisioner) {
	s.payments = payments
	s.chat = chat
}

// HashCredential returns the stored form of a credential.
func HashCredential(credential string) string {
	sum := blake3.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// ValidCredentialFormat reports whether credential has the fixed agent shape.
func ValidCredentialFormat(credential string) bool {
	return credentialPattern.MatchString(credential)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Registration is returned once, at registration time. The raw credential and
// claim token are never stored.
type Registration struct {
	Agent      *domain.Agent `json:"agent"`
	APIKey     string        `json:"apiKey"`
	ClaimToken string        `json:"claimToken"`
}

// Register creates an unclaimed agent with a fresh credential.
func (s *Service) Register(ctx context.Context, name string) (*Registration, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxAgentNameBytes {
		return nil, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidInput, maxAgentNameBytes)
	}

	body, err := randomHex(credentialBytes)
	if err != nil {
		return nil, err
	}
	claim, err := randomHex(claimTokenBytes)
	if err != nil {
		return nil, err
	}
	credential := CredentialPrefix + body
	claimToken := claimTokenPrefix + claim

	now := s.now()
	agent := &domain.Agent{
		ID:               s.ids.NewID(),
		Name:             name,
		CredentialHash:   HashCredential(credential),
		CredentialPrefix: credential[:displayPrefixLen],
		Status:           domain.AgentUnclaimed,
		ClaimToken:       claimToken,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}

	slog.Info("Agent registered", "agent_id", agent.ID, "credential_prefix", agent.CredentialPrefix)
	return &Registration{Agent: agent, APIKey: credential, ClaimToken: claimToken}, nil
}

// Authenticate resolves a bearer credential to its agent. The format check
// runs before any store access.
func (s *Service) Authenticate(ctx context.Context, credential string) (*domain.Agent, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}
	if !ValidCredentialFormat(credential) {
		return nil, ErrMalformedCredential
	}

	agent, err := s.repo.GetAgentByCredentialHash(ctx, HashCredential(credential))
	if err != nil {
		return nil, fmt.Errorf("lookup agent: %w", err)
	}
	if agent == nil {
		return nil, ErrUnknownCredential
	}
	if agent.Status == domain.AgentSuspended {
		return nil, ErrSuspended
	}

	now := s.now()
	if err := shared.WithSQLiteRetry(ctx, shared.DefaultRetryPolicy, "touch agent", func() error {
		return s.repo.TouchAgent(ctx, agent.ID, now)
	}); err != nil {
		slog.Warn("failed to update agent last_seen_at", "agent_id", agent.ID, "error", err)
	} else {
		agent.LastSeenAt = &now
	}
	return agent, nil
}

// ClaimResult reports a successful claim. Warnings list external
// provisioning steps that failed without undoing the claim.
type ClaimResult struct {
	Agent    *domain.Agent `json:"agent"`
	Warnings []string      `json:"warnings,omitempty"`
}

// Claim hands an unclaimed agent to userID.
func (s *Service) Claim(ctx context.Context, userID, token string) (*ClaimResult, error) {
	token = strings.TrimSpace(token)
	if userID == "" {
		return nil, ErrForbidden
	}
	if token == "" {
		return nil, ErrInvalidClaimToken
	}

	owned, err := s.repo.GetAgentByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup owned agent: %w", err)
	}
	if owned != nil {
		return nil, ErrAlreadyOwnsAgent
	}

	agent, err := s.repo.GetAgentByClaimToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("lookup claim token: %w", err)
	}
	if agent == nil {
		return nil, ErrInvalidClaimToken
	}
	if agent.IsClaimed() {
		return nil, ErrAlreadyClaimed
	}

	now := s.now()
	if err := s.repo.ClaimAgent(ctx, agent.ID, userID, token, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race: either the token was consumed or the user claimed
			// another agent in the meantime.
			if again, _ := s.repo.GetAgentByOwner(ctx, userID); again != nil {
				return nil, ErrAlreadyOwnsAgent
			}
			return nil, ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("claim agent: %w", err)
	}

	agent.Status = domain.AgentActive
	agent.OwnerUserID = userID
	agent.ClaimToken = ""
	agent.UpdatedAt = now
	slog.Info("Agent claimed", "agent_id", agent.ID, "user_id", userID)

	result := &ClaimResult{Agent: agent}
	result.Warnings = s.provisionAccounts(ctx, agent)
	return result, nil
}

// provisionAccounts runs the external account steps of a claim. Failures are
// isolated per integration and reported as warnings.
func (s *Service) provisionAccounts(ctx context.Context, agent *domain.Agent) []string {
	var warnings []string
	var paymentID, chatID string

	if s.payments != nil {
		id, err := s.payments.EnsureAccount(ctx, agent.OwnerUserID)
		if err != nil {
			slog.Warn("payment account provisioning failed", "agent_id", agent.ID, "error", err)
			warnings = append(warnings, "payment account provisioning failed: "+err.Error())
		} else {
			paymentID = id
		}
	}
	if s.chat != nil {
		id, err := s.chat.EnsureAccount(ctx, agent.OwnerUserID)
		if err != nil {
			slog.Warn("chat account provisioning failed", "agent_id", agent.ID, "error", err)
			warnings = append(warnings, "chat account provisioning failed: "+err.Error())
		} else {
			chatID = id
		}
	}

	if paymentID == "" && chatID == "" {
		return warnings
	}
	if err := s.repo.SetAgentAccounts(ctx, agent.ID, paymentID, chatID); err != nil {
		slog.Warn("failed to record agent accounts", "agent_id", agent.ID, "error", err)
		return append(warnings, "failed to record external accounts")
	}
	if paymentID != "" {
		agent.PaymentAccountID = paymentID
	}
	if chatID != "" {
		agent.ChatAccountID = chatID
	}
	return warnings
}

// SetStatus lets an owner suspend or reactivate their agent.
func (s *Service) SetStatus(ctx context.Context, userID, agentID string, status domain.AgentStatus) (*domain.Agent, error) {
	if status != domain.AgentActive && status != domain.AgentSuspended {
		return nil, fmt.Errorf("%w: status must be ACTIVE or SUSPENDED", ErrInvalidInput)
	}
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lookup agent: %w", err)
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}
	if agent.OwnerUserID != userID {
		return nil, ErrForbidden
	}
	if err := s.repo.UpdateAgentStatus(ctx, agentID, status); err != nil {
		return nil, fmt.Errorf("update agent status: %w", err)
	}
	agent.Status = status
	slog.Info("Agent status changed", "agent_id", agentID, "status", status)
	return agent, nil
}

// UpdateWebhook replaces an agent's push delivery settings.
func (s *Service) UpdateWebhook(ctx context.Context, agent *domain.Agent, rawURL, token string, enabled bool) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: webhook url must be an absolute http(s) URL", ErrInvalidInput)
		}
	}
	if enabled && rawURL == "" {
		return fmt.Errorf("%w: webhook url is required when enabled", ErrInvalidInput)
	}
	if err := s.repo.UpdateAgentWebhook(ctx, agent.ID, rawURL, token, enabled); err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	agent.WebhookURL = rawURL
	agent.WebhookToken = token
	agent.WebhookEnabled = enabled
	return nil
}
