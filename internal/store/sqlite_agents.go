package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
)

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, name, headline, bio, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var createdAt, updatedAt int64
	err := s.q.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Name, &user.Headline, &user.Bio, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, name, headline, bio, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		name = excluded.name,
		headline = excluded.headline,
		bio = excluded.bio,
		updated_at = excluded.updated_at`

	_, err := s.exec(ctx, "upsert user", query,
		user.UserID, user.Name, user.Headline, user.Bio,
		toMillis(user.CreatedAt), toMillis(user.UpdatedAt),
	)
	return err
}

const agentColumns = `id, name, credential_hash, credential_prefix, status, owner_user_id,
	claim_token, webhook_url, webhook_token, webhook_enabled, last_seen_at,
	payment_account_id, chat_account_id, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*domain.Agent, error) {
	var a domain.Agent
	var owner, claimToken sql.NullString
	var status string
	var enabled int
	var lastSeen sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&a.ID, &a.Name, &a.CredentialHash, &a.CredentialPrefix, &status, &owner,
		&claimToken, &a.WebhookURL, &a.WebhookToken, &enabled, &lastSeen,
		&a.PaymentAccountID, &a.ChatAccountID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = domain.AgentStatus(status)
	a.OwnerUserID = owner.String
	a.ClaimToken = claimToken.String
	a.WebhookEnabled = enabled != 0
	a.LastSeenAt = timePtr(lastSeen)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

func (s *SQLiteStore) getAgentWhere(ctx context.Context, where string, arg any) (*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE ` + where
	agent, err := scanAgent(s.q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent row: %w", err)
	}
	return agent, nil
}

// CreateAgent inserts a new agent.
func (s *SQLiteStore) CreateAgent(ctx context.Context, a *domain.Agent) error {
	query := `
	INSERT INTO agents (` + agentColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.exec(ctx, "insert agent", query,
		a.ID, a.Name, a.CredentialHash, a.CredentialPrefix, string(a.Status), nullString(a.OwnerUserID),
		nullString(a.ClaimToken), a.WebhookURL, a.WebhookToken, boolInt(a.WebhookEnabled), nullMillis(a.LastSeenAt),
		a.PaymentAccountID, a.ChatAccountID, toMillis(a.CreatedAt), toMillis(a.UpdatedAt),
	)
	return err
}

// GetAgent retrieves an agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	return s.getAgentWhere(ctx, "id = ?", agentID)
}

// GetAgentByOwner retrieves the agent owned by a user.
func (s *SQLiteStore) GetAgentByOwner(ctx context.Context, userID string) (*domain.Agent, error) {
	return s.getAgentWhere(ctx, "owner_user_id = ?", userID)
}

// GetAgentByCredentialHash retrieves an agent by the hash of its credential.
func (s *SQLiteStore) GetAgentByCredentialHash(ctx context.Context, hash string) (*domain.Agent, error) {
	return s.getAgentWhere(ctx, "credential_hash = ?", hash)
}

// GetAgentByClaimToken retrieves an unclaimed agent by its claim token.
func (s *SQLiteStore) GetAgentByClaimToken(ctx context.Context, token string) (*domain.Agent, error) {
	return s.getAgentWhere(ctx, "claim_token = ?", token)
}

// ClaimAgent consumes the claim token and hands the agent to userID.
func (s *SQLiteStore) ClaimAgent(ctx context.Context, agentID, userID, token string, at time.Time) error {
	query := `
		UPDATE agents
		SET status = ?, owner_user_id = ?, claim_token = NULL, updated_at = ?
		WHERE id = ? AND claim_token = ? AND owner_user_id IS NULL`

	changed, err := s.execChanged(ctx, "claim agent", query,
		string(domain.AgentActive), userID, toMillis(at), agentID, token)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("claim agent %s: %w", agentID, ErrConflict)
	}
	return nil
}

// UpdateAgentWebhook replaces the agent's webhook settings.
func (s *SQLiteStore) UpdateAgentWebhook(ctx context.Context, agentID, url, token string, enabled bool) error {
	query := `
		UPDATE agents SET webhook_url = ?, webhook_token = ?, webhook_enabled = ?, updated_at = ?
		WHERE id = ?`
	_, err := s.exec(ctx, "update agent webhook", query,
		url, token, boolInt(enabled), toMillis(time.Now()), agentID)
	return err
}

// UpdateAgentStatus sets the agent's lifecycle status.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) error {
	query := `UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`
	_, err := s.exec(ctx, "update agent status", query, string(status), toMillis(time.Now()), agentID)
	return err
}

// SetAgentAccounts records externally provisioned account ids. Empty values
// keep the stored ones.
func (s *SQLiteStore) SetAgentAccounts(ctx context.Context, agentID, paymentAccountID, chatAccountID string) error {
	query := `
		UPDATE agents SET
			payment_account_id = CASE WHEN ? = '' THEN payment_account_id ELSE ? END,
			chat_account_id = CASE WHEN ? = '' THEN chat_account_id ELSE ? END,
			updated_at = ?
		WHERE id = ?`
	_, err := s.exec(ctx, "set agent accounts", query,
		paymentAccountID, paymentAccountID, chatAccountID, chatAccountID, toMillis(time.Now()), agentID)
	return err
}

// TouchAgent updates the last_seen_at timestamp for an agent.
func (s *SQLiteStore) TouchAgent(ctx context.Context, agentID string, at time.Time) error {
	changed, err := s.execChanged(ctx, "touch agent",
		`UPDATE agents SET last_seen_at = ? WHERE id = ?`, toMillis(at), agentID)
	if err != nil {
		return err
	}
	if !changed {
		slog.Warn("TouchAgent affected 0 rows", "agent_id", agentID)
	}
	return nil
}
