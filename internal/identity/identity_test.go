package identity

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "agentdesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return NewService(repo, nil, nil), repo
}

type stubProvisioner struct {
	prefix string
	err    error
}

func (p stubProvisioner) EnsureAccount(_ context.Context, userID string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return p.prefix + userID, nil
}

func TestRegister_IssuesCredentialOnce(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "  Scout  ")
	require.NoError(t, err)
	assert.Equal(t, "Scout", reg.Agent.Name)
	assert.Equal(t, domain.AgentUnclaimed, reg.Agent.Status)
	assert.True(t, ValidCredentialFormat(reg.APIKey))
	assert.True(t, strings.HasPrefix(reg.ClaimToken, "claim_"))
	assert.Equal(t, reg.APIKey[:displayPrefixLen], reg.Agent.CredentialPrefix)

	stored, err := repo.GetAgent(ctx, reg.Agent.ID)
	require.NoError(t, err)
	assert.Equal(t, HashCredential(reg.APIKey), stored.CredentialHash)
	assert.NotContains(t, stored.CredentialHash, reg.APIKey)

	other, err := svc.Register(ctx, "Scout")
	require.NoError(t, err)
	assert.NotEqual(t, reg.APIKey, other.APIKey)

	_, err = svc.Register(ctx, "")
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = svc.Register(ctx, strings.Repeat("x", maxAgentNameBytes+1))
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestAuthenticate(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	reg, err := svc.Register(ctx, "Scout")
	require.NoError(t, err)

	agent, err := svc.Authenticate(ctx, reg.APIKey)
	require.NoError(t, err)
	assert.Equal(t, reg.Agent.ID, agent.ID)
	assert.NotNil(t, agent.LastSeenAt)

	tests := []struct {
		name       string
		credential string
		want       error
	}{
		{"missing", "", ErrMissingCredential},
		{"wrong prefix", "sk_" + strings.Repeat("a", 64), ErrMalformedCredential},
		{"short", "agd_abc", ErrMalformedCredential},
		{"uppercase hex", "agd_" + strings.Repeat("A", 64), ErrMalformedCredential},
		{"unknown", "agd_" + strings.Repeat("0", 64), ErrUnknownCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Authenticate(ctx, tt.credential)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	require.NoError(t, repo.UpdateAgentStatus(ctx, reg.Agent.ID, domain.AgentSuspended))
	_, err = svc.Authenticate(ctx, reg.APIKey)
	assert.True(t, errors.Is(err, ErrSuspended))
}

func TestClaim(t *testing.T) {
	svc, _ := newTestService(t)
	svc.SetProvisioners(stubProvisioner{prefix: "acct-"}, stubProvisioner{err: errors.New("homeserver down")})
	ctx := context.Background()

	reg, err := svc.Register(ctx, "Scout")
	require.NoError(t, err)

	res, err := svc.Claim(ctx, "bob", reg.ClaimToken)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentActive, res.Agent.Status)
	assert.Equal(t, "bob", res.Agent.OwnerUserID)
	assert.Equal(t, "acct-bob", res.Agent.PaymentAccountID)
	assert.Empty(t, res.Agent.ChatAccountID)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "chat account")

	authed, err := svc.Authenticate(ctx, reg.APIKey)
	require.NoError(t, err)
	assert.True(t, authed.IsActive())
	assert.Equal(t, "acct-bob", authed.PaymentAccountID)

	_, err = svc.Claim(ctx, "carol", reg.ClaimToken)
	assert.True(t, errors.Is(err, ErrInvalidClaimToken), "consumed token: got %v", err)

	second, err := svc.Register(ctx, "Backup")
	require.NoError(t, err)
	_, err = svc.Claim(ctx, "bob", second.ClaimToken)
	assert.True(t, errors.Is(err, ErrAlreadyOwnsAgent), "got %v", err)

	_, err = svc.Claim(ctx, "", second.ClaimToken)
	assert.True(t, errors.Is(err, ErrForbidden))
	_, err = svc.Claim(ctx, "carol", " ")
	assert.True(t, errors.Is(err, ErrInvalidClaimToken))
}

func TestSetStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	reg, err := svc.Register(ctx, "Scout")
	require.NoError(t, err)
	_, err = svc.Claim(ctx, "bob", reg.ClaimToken)
	require.NoError(t, err)

	_, err = svc.SetStatus(ctx, "carol", reg.Agent.ID, domain.AgentSuspended)
	assert.True(t, errors.Is(err, ErrForbidden))
	_, err = svc.SetStatus(ctx, "bob", "agent-missing", domain.AgentSuspended)
	assert.True(t, errors.Is(err, ErrAgentNotFound))
	_, err = svc.SetStatus(ctx, "bob", reg.Agent.ID, domain.AgentUnclaimed)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	a, err := svc.SetStatus(ctx, "bob", reg.Agent.ID, domain.AgentSuspended)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentSuspended, a.Status)

	a, err = svc.SetStatus(ctx, "bob", reg.Agent.ID, domain.AgentActive)
	require.NoError(t, err)
	assert.True(t, a.IsActive())
}

func TestUpdateWebhook(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	reg, err := svc.Register(ctx, "Scout")
	require.NoError(t, err)

	err = svc.UpdateWebhook(ctx, reg.Agent, "ftp://bob.example", "", true)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	err = svc.UpdateWebhook(ctx, reg.Agent, "", "", true)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	require.NoError(t, svc.UpdateWebhook(ctx, reg.Agent, " https://bob.example/agent ", "secret", true))
	stored, err := repo.GetAgent(ctx, reg.Agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://bob.example/agent", stored.WebhookURL)
	assert.True(t, stored.PushEnabled())
}
