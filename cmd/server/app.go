package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/agentdesk/internal/chatrooms"
	"github.com/ashureev/agentdesk/internal/config"
	"github.com/ashureev/agentdesk/internal/delivery"
	"github.com/ashureev/agentdesk/internal/events"
	"github.com/ashureev/agentdesk/internal/identity"
	"github.com/ashureev/agentdesk/internal/payments"
	"github.com/ashureev/agentdesk/internal/shared"
	"github.com/ashureev/agentdesk/internal/store"
	"github.com/ashureev/agentdesk/internal/stream"
)

// app holds the wired services shared by every subcommand.
type app struct {
	cfg       *config.Config
	repo      *store.SQLiteStore
	timers    delivery.TimerQueue
	redis     *delivery.RedisTimerQueue
	hub       *stream.Hub
	scheduler *delivery.Scheduler
	reaper    *delivery.Reaper
	worker    *delivery.Worker
	identity  *identity.Service
	events    *events.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	a := &app{cfg: cfg, repo: repo, hub: stream.NewHub()}

	if cfg.RedisURL != "" {
		q, err := delivery.NewRedisTimerQueue(ctx, cfg.RedisURL, delivery.DefaultRedisKey)
		if err != nil {
			slog.Warn("Redis unavailable, keeping expiry timers in memory", "error", err)
			a.timers = delivery.NewMemoryTimerQueue()
		} else {
			slog.Info("Expiry timers stored in Redis")
			a.redis = q
			a.timers = q
		}
	} else {
		a.timers = delivery.NewMemoryTimerQueue()
	}

	ids := shared.UUIDGenerator{}
	rail := payments.LogRail{}
	chat := chatrooms.LogProvisioner{Domain: cfg.ChatDomain}
	ledger := payments.NewLedger(repo, rail, ids, shared.SystemClock, cfg.EscrowAccount)

	a.scheduler = delivery.NewScheduler(repo, a.timers, delivery.Config{
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		BaseBackoff:    cfg.Delivery.BaseBackoff,
		AttemptTimeout: cfg.Delivery.AttemptTimeout,
		HookPath:       cfg.Delivery.HookPath,
		PublicBaseURL:  cfg.PublicBaseURL,
	})
	a.scheduler.SetNotifier(a.hub)
	a.reaper = delivery.NewReaper(repo, ledger, ids, shared.SystemClock)
	a.worker = delivery.NewWorker(repo, a.timers, a.reaper, cfg.ExpiryInterval, shared.SystemClock)

	a.identity = identity.NewService(repo, ids, shared.SystemClock)
	a.identity.SetProvisioners(rail, chat)

	a.events = events.NewService(repo, events.Options{
		IDs:       ids,
		Clock:     shared.SystemClock,
		EventTTL:  cfg.Delivery.EventTTL,
		Scheduler: a.scheduler,
		Stakes:    ledger,
		Chat:      chat,
	})
	return a, nil
}

// Close drains delivery tasks and releases connections.
func (a *app) Close() {
	a.scheduler.Close()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Error("Failed to close redis client", "error", err)
		}
	}
	if err := a.repo.Close(); err != nil {
		slog.Error("Failed to close repository", "error", err)
	}
}
