package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_RunOnce(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)
	agent := seedAgent(t, repo, "bob", "")
	timers := NewMemoryTimerQueue()

	due := seedRequestEvent(t, repo, "ev-due", agent.ID, testNow.Add(-time.Minute))
	future := seedRequestEvent(t, repo, "ev-future", agent.ID, testNow.Add(time.Hour))
	// Overdue, but its timer was lost.
	orphan := seedRequestEvent(t, repo, "ev-orphan", agent.ID, testNow.Add(-time.Hour))
	require.NoError(t, timers.Schedule(ctx, due.ID, due.ExpiresAt))
	require.NoError(t, timers.Schedule(ctx, future.ID, future.ExpiresAt))

	reaper := NewReaper(repo, nil, nil, fixedClock)
	w := NewWorker(repo, timers, reaper, time.Minute, fixedClock)

	assert.Equal(t, 2, w.RunOnce(ctx))

	for id, want := range map[string]domain.EventStatus{
		due.ID:    domain.EventExpired,
		orphan.ID: domain.EventExpired,
		future.ID: domain.EventPending,
	} {
		ev, err := repo.GetEvent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, ev.Status, id)
	}

	assert.Equal(t, 1, timers.Len())
	_, armed := timers.Deadline(future.ID)
	assert.True(t, armed)

	assert.Equal(t, 0, w.RunOnce(ctx))
}

func TestWorker_StartStopsWithContext(t *testing.T) {
	repo := newTestStore(t)
	agent := seedAgent(t, repo, "bob", "")
	ev := seedRequestEvent(t, repo, "ev-1", agent.ID, testNow.Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWorker(repo, NewMemoryTimerQueue(), NewReaper(repo, nil, nil, fixedClock), 5*time.Millisecond, fixedClock)
	w.Start(ctx)

	assert.Eventually(t, func() bool {
		stored, err := repo.GetEvent(context.Background(), ev.ID)
		return err == nil && stored.Status == domain.EventExpired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryTimerQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryTimerQueue()

	require.NoError(t, q.Schedule(ctx, "late", testNow.Add(-time.Second)))
	require.NoError(t, q.Schedule(ctx, "early", testNow.Add(-time.Hour)))
	require.NoError(t, q.Schedule(ctx, "later", testNow.Add(time.Hour)))

	due, err := q.Due(ctx, testNow, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "late"}, due)

	due, err = q.Due(ctx, testNow, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"early"}, due)

	// Rescheduling keeps the latest deadline.
	require.NoError(t, q.Schedule(ctx, "early", testNow.Add(2*time.Hour)))
	due, err = q.Due(ctx, testNow, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, due)

	require.NoError(t, q.Remove(ctx, "late"))
	require.NoError(t, q.Remove(ctx, "unknown"))
	assert.Equal(t, 2, q.Len())
}
