package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "agentdesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func seedAgent(t *testing.T, repo store.Repository, owner, webhookURL string) *domain.Agent {
	t.Helper()
	a := &domain.Agent{
		ID:               "agent-" + owner,
		Name:             owner,
		CredentialHash:   "hash-" + owner,
		CredentialPrefix: "agd_" + owner,
		Status:           domain.AgentActive,
		OwnerUserID:      owner,
		WebhookURL:       webhookURL,
		WebhookToken:     "hook-secret",
		WebhookEnabled:   webhookURL != "",
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	}
	require.NoError(t, repo.CreateAgent(context.Background(), a))
	return a
}

func seedRequestEvent(t *testing.T, repo store.Repository, id, agentID string, expiresAt time.Time) *domain.Event {
	t.Helper()
	ev := &domain.Event{
		ID:                  id,
		AgentID:             agentID,
		Type:                domain.EventConnectionRequest,
		Status:              domain.EventPending,
		ConnectionRequestID: "req-" + id,
		Payload: domain.ConnectionRequestPayload{
			RequestID: "req-" + id,
			Sender:    domain.Profile{UserID: "alice", Name: "Alice"},
			Intent:    "Intro call about the platform team",
		},
		ExpiresAt: expiresAt,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	require.NoError(t, repo.CreateEvent(context.Background(), ev))
	return ev
}

type hookServer struct {
	*httptest.Server
	hits     atomic.Int32
	failures int32

	mu       sync.Mutex
	auth     string
	path     string
	envelope map[string]any
}

// newHookServer answers 500 to the first failures requests and 204 after.
func newHookServer(t *testing.T, failures int32) *hookServer {
	t.Helper()
	h := &hookServer{failures: failures}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := h.hits.Add(1)

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		h.mu.Lock()
		h.auth = r.Header.Get("Authorization")
		h.path = r.URL.Path
		h.envelope = body
		h.mu.Unlock()

		if n <= h.failures {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(h.Close)
	return h
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Publish(_ string, ev *domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev.ID)
}

func testConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseBackoff:    time.Millisecond,
		AttemptTimeout: time.Second,
		PublicBaseURL:  "https://desk.example/",
		Clock:          fixedClock,
	}
}

func TestDispatch_SpendsWholeBudgetOnFailure(t *testing.T) {
	repo := newTestStore(t)
	hook := newHookServer(t, 100)
	agent := seedAgent(t, repo, "bob", hook.URL)
	ev := seedRequestEvent(t, repo, "ev-1", agent.ID, testNow.Add(time.Hour))
	timers := NewMemoryTimerQueue()
	s := NewScheduler(repo, timers, testConfig())
	defer s.Close()

	require.NoError(t, s.Dispatch(context.Background(), ev.ID))

	assert.Equal(t, int32(3), hook.hits.Load())
	stored, err := repo.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.WebhookAttempts)
	assert.Equal(t, domain.EventPending, stored.Status)
	require.NotNil(t, stored.LastWebhookAt)

	deadline, ok := timers.Deadline(ev.ID)
	require.True(t, ok)
	assert.True(t, deadline.Equal(ev.ExpiresAt))

	// A replay has no attempts left.
	require.NoError(t, s.Dispatch(context.Background(), ev.ID))
	assert.Equal(t, int32(3), hook.hits.Load())
}

func TestDispatch_DeliversOnLaterAttempt(t *testing.T) {
	repo := newTestStore(t)
	hook := newHookServer(t, 1)
	agent := seedAgent(t, repo, "bob", hook.URL+"/")
	ev := seedRequestEvent(t, repo, "ev-1", agent.ID, testNow.Add(time.Hour))
	s := NewScheduler(repo, NewMemoryTimerQueue(), testConfig())
	defer s.Close()

	require.NoError(t, s.Dispatch(context.Background(), ev.ID))

	assert.Equal(t, int32(2), hook.hits.Load())
	stored, err := repo.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.WebhookAttempts)
	assert.Equal(t, domain.EventDelivered, stored.Status)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	assert.Equal(t, "Bearer hook-secret", hook.auth)
	assert.Equal(t, DefaultHookPath, hook.path)
	assert.Equal(t, "ev-1", hook.envelope["eventId"])
	assert.Equal(t, string(domain.EventConnectionRequest), hook.envelope["type"])
	assert.Equal(t, "https://desk.example/events/ev-1/decide", hook.envelope["callbackUrl"])
	payload, ok := hook.envelope["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "req-ev-1", payload["requestId"])
}

func TestDispatch_ResumesRemainingAttempts(t *testing.T) {
	repo := newTestStore(t)
	hook := newHookServer(t, 100)
	agent := seedAgent(t, repo, "bob", hook.URL)
	ev := seedRequestEvent(t, repo, "ev-1", agent.ID, testNow.Add(time.Hour))
	_, ok, err := repo.RecordWebhookAttempt(context.Background(), ev.ID, testNow, 3)
	require.NoError(t, err)
	require.True(t, ok)

	s := NewScheduler(repo, NewMemoryTimerQueue(), testConfig())
	defer s.Close()
	require.NoError(t, s.Dispatch(context.Background(), ev.ID))

	assert.Equal(t, int32(2), hook.hits.Load())
	stored, err := repo.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.WebhookAttempts)
}

func TestDispatch_PushDisabledLeavesEventForPolling(t *testing.T) {
	repo := newTestStore(t)
	hook := newHookServer(t, 0)
	agent := seedAgent(t, repo, "bob", "")
	ev := seedRequestEvent(t, repo, "ev-1", agent.ID, testNow.Add(time.Hour))
	timers := NewMemoryTimerQueue()
	notifier := &recordingNotifier{}
	s := NewScheduler(repo, timers, testConfig())
	s.SetNotifier(notifier)
	defer s.Close()

	require.NoError(t, s.Dispatch(context.Background(), ev.ID))

	assert.Equal(t, int32(0), hook.hits.Load())
	stored, err := repo.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.WebhookAttempts)
	assert.Equal(t, domain.EventPending, stored.Status)
	assert.Equal(t, 1, timers.Len())
	assert.Equal(t, []string{"ev-1"}, notifier.events)
}

func TestDispatch_SkipsDecidedEvent(t *testing.T) {
	repo := newTestStore(t)
	hook := newHookServer(t, 0)
	agent := seedAgent(t, repo, "bob", hook.URL)
	ev := seedRequestEvent(t, repo, "ev-1", agent.ID, testNow.Add(time.Hour))
	_, err := repo.DecideEvent(context.Background(), ev.ID, &domain.Decision{Decision: domain.DecisionReject}, testNow)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	s := NewScheduler(repo, NewMemoryTimerQueue(), testConfig())
	s.SetNotifier(notifier)
	defer s.Close()
	require.NoError(t, s.Dispatch(context.Background(), ev.ID))

	assert.Equal(t, int32(0), hook.hits.Load())
	assert.Empty(t, notifier.events)
}

func TestOnEventCreated_RunsInBackground(t *testing.T) {
	repo := newTestStore(t)
	hook := newHookServer(t, 0)
	agent := seedAgent(t, repo, "bob", hook.URL)
	ev := seedRequestEvent(t, repo, "ev-1", agent.ID, testNow.Add(time.Hour))
	s := NewScheduler(repo, NewMemoryTimerQueue(), testConfig())
	defer s.Close()

	s.OnEventCreated(ev.ID)
	s.OnEventCreated("ev-missing")
	s.Wait()

	assert.Equal(t, int32(1), hook.hits.Load())
	stored, err := repo.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventDelivered, stored.Status)
}

func TestDispatch_ConcurrentTasksShareBudget(t *testing.T) {
	repo := newTestStore(t)
	hook := newHookServer(t, 100)
	agent := seedAgent(t, repo, "bob", hook.URL)
	ev := seedRequestEvent(t, repo, "ev-1", agent.ID, testNow.Add(time.Hour))

	s := NewScheduler(repo, NewMemoryTimerQueue(), testConfig())
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Dispatch(context.Background(), ev.ID))
		}()
	}
	wg.Wait()

	stored, err := repo.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.WebhookAttempts)
	assert.Equal(t, int32(stored.WebhookAttempts), hook.hits.Load())
}
