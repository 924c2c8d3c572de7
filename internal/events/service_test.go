package events

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/shared"
	"github.com/ashureev/agentdesk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingScheduler struct {
	mu      sync.Mutex
	created []string
}

func (r *recordingScheduler) OnEventCreated(eventID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, eventID)
}

func (r *recordingScheduler) Created() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.created...)
}

type recordingStakes struct {
	mu       sync.Mutex
	holdErr  error
	held     []string
	refunded []string
	settled  []string
}

func (r *recordingStakes) HoldStake(_ context.Context, req *domain.ConnectionRequest) (*domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holdErr != nil {
		return nil, r.holdErr
	}
	r.held = append(r.held, req.ID)
	return &domain.PaymentTransaction{ConnectionRequestID: req.ID, Status: domain.PaymentPending}, nil
}

func (r *recordingStakes) Refund(_ context.Context, requestID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refunded = append(r.refunded, requestID)
	return true, nil
}

func (r *recordingStakes) Settle(_ context.Context, requestID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = append(r.settled, requestID)
	return true, nil
}

type recordingChat struct {
	mu    sync.Mutex
	pairs [][2]string
}

func (r *recordingChat) EnsureDirectChannel(_ context.Context, userA, userB string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = append(r.pairs, [2]string{userA, userB})
	return "!dm:test", nil
}

type fixture struct {
	svc       *Service
	repo      *store.SQLiteStore
	clock     *testClock
	scheduler *recordingScheduler
	stakes    *recordingStakes
	chat      *recordingChat
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "agentdesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	f := &fixture{
		repo:      repo,
		clock:     newTestClock(),
		scheduler: &recordingScheduler{},
		stakes:    &recordingStakes{},
		chat:      &recordingChat{},
	}
	f.svc = NewService(repo, Options{
		IDs:       &shared.SequenceGenerator{Prefix: "id"},
		Clock:     f.clock.Now,
		EventTTL:  time.Hour,
		Scheduler: f.scheduler,
		Stakes:    f.stakes,
		Chat:      f.chat,
	})
	return f
}

func (f *fixture) user(t *testing.T, id, name string) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.repo.UpsertUser(context.Background(), &domain.User{
		UserID: id, Name: name, CreatedAt: now, UpdatedAt: now,
	}))
}

// agent registers an ACTIVE agent owned by userID.
func (f *fixture) agent(t *testing.T, userID string) *domain.Agent {
	t.Helper()
	now := f.clock.Now()
	a := &domain.Agent{
		ID:               "agent-" + userID,
		Name:             userID + "'s agent",
		CredentialHash:   "hash-" + userID,
		CredentialPrefix: "agd_" + userID,
		Status:           domain.AgentActive,
		OwnerUserID:      userID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, f.repo.CreateAgent(context.Background(), a))
	return a
}

func (f *fixture) request(t *testing.T, senderID, recipientID string, status domain.RequestStatus) *domain.ConnectionRequest {
	t.Helper()
	now := f.clock.Now()
	req := &domain.ConnectionRequest{
		ID:          "req-" + senderID + "-" + recipientID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Intent:      "Looking to hire a Go engineer",
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.repo.CreateConnectionRequest(context.Background(), req))
	return req
}

func (f *fixture) notifications(t *testing.T, userID string) []*domain.Notification {
	t.Helper()
	ns, err := f.repo.ListNotifications(context.Background(), userID)
	require.NoError(t, err)
	return ns
}

func TestEnsureEventForConnectionRequest_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "alice", "Alice")
	f.user(t, "bob", "Bob")
	bobAgent := f.agent(t, "bob")
	req := f.request(t, "alice", "bob", domain.RequestPending)

	first, err := f.svc.EnsureEventForConnectionRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first.Outcome)
	require.NotEmpty(t, first.EventID)

	second, err := f.svc.EnsureEventForConnectionRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyExists, second.Outcome)
	assert.Equal(t, first.EventID, second.EventID)

	assert.Equal(t, []string{first.EventID}, f.scheduler.Created())

	ev, err := f.repo.GetEvent(ctx, first.EventID)
	require.NoError(t, err)
	assert.Equal(t, bobAgent.ID, ev.AgentID)
	assert.Equal(t, domain.EventPending, ev.Status)
	assert.True(t, ev.ExpiresAt.Equal(f.clock.Now().Add(time.Hour)))

	p, ok := ev.Payload.(domain.ConnectionRequestPayload)
	require.True(t, ok)
	assert.Equal(t, "Alice", p.Sender.Name)
	assert.Equal(t, req.Intent, p.Intent)

	conv, err := f.repo.GetConversation(ctx, ev.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "alice", conv.PeerUserID)
	assert.False(t, conv.IsChatThread())
}

func TestEnsureEventForConnectionRequest_NoAgentNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "alice", "Alice")
	f.user(t, "bob", "Bob")
	req := f.request(t, "alice", "bob", domain.RequestPending)

	for i := 0; i < 3; i++ {
		res, err := f.svc.EnsureEventForConnectionRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoActiveAgent, res.Outcome)
		assert.Empty(t, res.EventID)
	}

	ns := f.notifications(t, "bob")
	require.Len(t, ns, 1)
	assert.Equal(t, domain.NotifyAgentRequired, ns[0].Type)
	assert.Equal(t, req.ID, ns[0].RefID)
	assert.Contains(t, ns[0].Body, "Alice")
	assert.Empty(t, f.scheduler.Created())
}

func TestEnsureEventForConnectionRequest_SuspendedAgentCountsAsMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "alice", "Alice")
	f.user(t, "bob", "Bob")
	bobAgent := f.agent(t, "bob")
	require.NoError(t, f.repo.UpdateAgentStatus(ctx, bobAgent.ID, domain.AgentSuspended))
	req := f.request(t, "alice", "bob", domain.RequestPending)

	res, err := f.svc.EnsureEventForConnectionRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoActiveAgent, res.Outcome)
}

func TestEnsureEventForConnectionRequest_SkipsSettledRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "alice", "Alice")
	f.agent(t, "bob")
	req := f.request(t, "alice", "bob", domain.RequestAccepted)

	res, err := f.svc.EnsureEventForConnectionRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkip, res.Outcome)
	assert.Empty(t, f.scheduler.Created())

	_, err = f.svc.EnsureEventForConnectionRequest(ctx, "req-missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEnsureEventForConnectionRequest_NewEventAfterDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "alice", "Alice")
	bobAgent := f.agent(t, "bob")
	req := f.request(t, "alice", "bob", domain.RequestPending)

	first, err := f.svc.EnsureEventForConnectionRequest(ctx, req.ID)
	require.NoError(t, err)

	// Expire the first offer; the request itself stays pending.
	changed, err := f.repo.ExpireEvent(ctx, first.EventID, f.clock.Now())
	require.NoError(t, err)
	require.True(t, changed)

	second, err := f.svc.EnsureEventForConnectionRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, second.Outcome)
	assert.NotEqual(t, first.EventID, second.EventID)

	open, err := f.repo.FindOpenEventForRequest(ctx, req.ID, bobAgent.ID)
	require.NoError(t, err)
	assert.Equal(t, second.EventID, open.ID)
}

func TestCreateConnectionRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "alice", "Alice")
	f.user(t, "bob", "Bob")
	f.agent(t, "bob")
	stake := 5.0

	res, err := f.svc.CreateConnectionRequest(ctx, "alice", NewConnectionRequest{
		RecipientID: "bob",
		Category:    "hiring",
		Intent:      "  Looking for a backend contractor  ",
		StakeAmount: &stake,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestPending, res.Request.Status)
	assert.Equal(t, "Looking for a backend contractor", res.Request.Intent)
	assert.Equal(t, OutcomeCreated, res.Event.Outcome)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, []string{res.Request.ID}, f.stakes.held)

	_, err = f.svc.CreateConnectionRequest(ctx, "alice", NewConnectionRequest{RecipientID: "bob", Intent: "again"})
	assert.True(t, errors.Is(err, ErrDuplicate))
}

func TestCreateConnectionRequest_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "alice", "Alice")
	negative := -1.0

	tests := []struct {
		name string
		in   NewConnectionRequest
		want error
	}{
		{"missing recipient", NewConnectionRequest{Intent: "hi"}, ErrInvalidInput},
		{"self", NewConnectionRequest{RecipientID: "alice", Intent: "hi"}, ErrInvalidInput},
		{"blank intent", NewConnectionRequest{RecipientID: "bob", Intent: "   "}, ErrInvalidInput},
		{"negative stake", NewConnectionRequest{RecipientID: "bob", Intent: "hi", StakeAmount: &negative}, ErrInvalidInput},
		{"unknown recipient", NewConnectionRequest{RecipientID: "nobody", Intent: "hi"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateConnectionRequest(ctx, "alice", tt.in)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestCreateConnectionRequest_StakeFailureIsAWarning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "alice", "Alice")
	f.user(t, "bob", "Bob")
	f.agent(t, "bob")
	f.stakes.holdErr = errors.New("rail offline")

	res, err := f.svc.CreateConnectionRequest(ctx, "alice", NewConnectionRequest{RecipientID: "bob", Intent: "hi"})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "rail offline")
	assert.Equal(t, OutcomeCreated, res.Event.Outcome)
}
