// Package delivery pushes new events to agent webhooks, arms their expiry
// timers and expires events nobody decided in time.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/shared"
	"github.com/ashureev/agentdesk/internal/store"
)

// Defaults for webhook delivery.
const (
	DefaultMaxAttempts    = 3
	DefaultBaseBackoff    = time.Second
	DefaultAttemptTimeout = 10 * time.Second
	DefaultHookPath       = "/hooks/agent"
)

// Notifier is told about events as soon as they are ready to be fetched.
type Notifier interface {
	Publish(agentID string, ev *domain.Event)
}

// Config controls webhook delivery.
type Config struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	AttemptTimeout time.Duration
	HookPath       string
	// PublicBaseURL prefixes the callback URL sent to agents.
	PublicBaseURL string
	Client        *http.Client
	Clock         shared.Clock
}

func (c *Config) withDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.HookPath == "" {
		c.HookPath = DefaultHookPath
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.Clock == nil {
		c.Clock = shared.SystemClock
	}
}

// Scheduler runs one delivery task per created event.
type Scheduler struct {
	repo     store.Repository
	timers   TimerQueue
	notifier Notifier
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. Tasks run until Close is called.
func NewScheduler(repo store.Repository, timers TimerQueue, cfg Config) *Scheduler {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		repo:   repo,
		timers: timers,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetNotifier wires live subscribers.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.notifier = n
}

// OnEventCreated starts delivery of a committed event in the background.
func (s *Scheduler) OnEventCreated(eventID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Dispatch(s.ctx, eventID); err != nil {
			slog.Warn("Event dispatch failed", "event_id", eventID, "error", err)
		}
	}()
}

// Wait blocks until all started tasks finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close cancels running tasks and waits for them.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// Dispatch pushes the event to its agent's webhook, if configured, and arms
// its expiry timer. It is safe to call again for the same event: only the
// attempts not yet spent are made.
func (s *Scheduler) Dispatch(ctx context.Context, eventID string) error {
	ev, err := s.repo.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	if ev == nil {
		return fmt.Errorf("event %s not found", eventID)
	}
	agent, err := s.repo.GetAgent(ctx, ev.AgentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}

	if s.notifier != nil && !ev.Status.Terminal() {
		s.notifier.Publish(ev.AgentID, ev)
	}

	if agent != nil && agent.PushEnabled() {
		s.deliver(ctx, agent, ev)
	} else {
		slog.Debug("Webhook disabled, event left for polling", "event_id", ev.ID, "agent_id", ev.AgentID)
	}

	if err := s.timers.Schedule(ctx, ev.ID, ev.ExpiresAt); err != nil {
		return fmt.Errorf("arm expiry timer: %w", err)
	}
	return nil
}

// Envelope is the body POSTed to an agent webhook.
type Envelope struct {
	EventID     string           `json:"eventId"`
	Type        domain.EventType `json:"type"`
	Payload     domain.Payload   `json:"payload"`
	CallbackURL string           `json:"callbackUrl"`
	ExpiresAt   time.Time        `json:"expiresAt"`
}

func (s *Scheduler) deliver(ctx context.Context, agent *domain.Agent, ev *domain.Event) {
	remaining := s.cfg.MaxAttempts - ev.WebhookAttempts
	for i := 0; i < remaining; i++ {
		if i > 0 {
			delay := s.cfg.BaseBackoff * time.Duration(1<<(i-1))
			select {
			case <-ctx.Done():
				slog.Debug("Webhook delivery cancelled", "event_id", ev.ID, "reason", ctx.Err())
				return
			case <-time.After(delay):
			}
		}

		current, err := s.repo.GetEvent(ctx, ev.ID)
		if err != nil {
			slog.Warn("failed to reload event before delivery", "event_id", ev.ID, "error", err)
			continue
		}
		if current == nil || current.Status.Terminal() {
			return
		}

		var (
			attempt int
			claimed bool
		)
		err = shared.WithSQLiteRetry(ctx, shared.DefaultRetryPolicy, "record webhook attempt", func() error {
			var recErr error
			attempt, claimed, recErr = s.repo.RecordWebhookAttempt(ctx, ev.ID, s.cfg.Clock(), s.cfg.MaxAttempts)
			return recErr
		})
		if err != nil {
			slog.Warn("failed to record webhook attempt", "event_id", ev.ID, "error", err)
			return
		}
		if !claimed {
			// Another task spent the budget concurrently.
			return
		}

		if err := s.post(ctx, agent, current); err != nil {
			slog.Warn("Webhook attempt failed",
				"event_id", ev.ID,
				"agent_id", agent.ID,
				"attempt", attempt,
				"error", err)
			continue
		}

		err = shared.WithSQLiteRetry(ctx, shared.DefaultRetryPolicy, "mark event delivered", func() error {
			_, markErr := s.repo.MarkEventDelivered(ctx, ev.ID, s.cfg.Clock())
			return markErr
		})
		if err != nil {
			slog.Warn("failed to mark event delivered", "event_id", ev.ID, "error", err)
		}
		slog.Info("Webhook delivered", "event_id", ev.ID, "agent_id", agent.ID, "attempt", attempt)
		return
	}
}

var errNon2xx = errors.New("non-2xx response")

func (s *Scheduler) post(ctx context.Context, agent *domain.Agent, ev *domain.Event) error {
	body, err := json.Marshal(Envelope{
		EventID:     ev.ID,
		Type:        ev.Type,
		Payload:     ev.Payload,
		CallbackURL: strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/events/" + ev.ID + "/decide",
		ExpiresAt:   ev.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	url := strings.TrimRight(agent.WebhookURL, "/") + s.cfg.HookPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if agent.WebhookToken != "" {
		req.Header.Set("Authorization", "Bearer "+agent.WebhookToken)
	}

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", errNon2xx, resp.StatusCode)
	}
	return nil
}
