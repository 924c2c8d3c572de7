package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/agentdesk/internal/shared"
	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	q    querier
	inTx bool
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so writers queue on
	// busy_timeout instead of failing on lock upgrade.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, q: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		headline TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		credential_hash TEXT NOT NULL UNIQUE,
		credential_prefix TEXT NOT NULL,
		status TEXT NOT NULL,
		owner_user_id TEXT,
		claim_token TEXT,
		webhook_url TEXT NOT NULL DEFAULT '',
		webhook_token TEXT NOT NULL DEFAULT '',
		webhook_enabled INTEGER NOT NULL DEFAULT 0,
		last_seen_at INTEGER,
		payment_account_id TEXT NOT NULL DEFAULT '',
		chat_account_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_user_id) WHERE owner_user_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_claim_token ON agents(claim_token) WHERE claim_token IS NOT NULL;

	CREATE TABLE IF NOT EXISTS agent_conversations (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		status TEXT NOT NULL,
		connection_request_id TEXT,
		negotiation_id TEXT,
		chat_thread_id TEXT,
		peer_user_id TEXT,
		decision TEXT NOT NULL DEFAULT '',
		decision_confidence REAL,
		decision_reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_thread
		ON agent_conversations(agent_id, chat_thread_id) WHERE chat_thread_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_conversations_peer ON agent_conversations(agent_id, peer_user_id);

	CREATE TABLE IF NOT EXISTS agent_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL REFERENCES agent_conversations(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		token_count INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON agent_messages(conversation_id, created_at, seq);

	CREATE TABLE IF NOT EXISTS agent_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		connection_request_id TEXT,
		negotiation_id TEXT,
		conversation_id TEXT,
		payload TEXT NOT NULL,
		decision TEXT,
		expires_at INTEGER NOT NULL,
		webhook_attempts INTEGER NOT NULL DEFAULT 0,
		last_webhook_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_agent_status ON agent_events(agent_id, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_expiry ON agent_events(expires_at) WHERE status IN ('PENDING', 'DELIVERED');
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_open_request
		ON agent_events(connection_request_id, agent_id)
		WHERE connection_request_id IS NOT NULL AND status IN ('PENDING', 'DELIVERED');
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_open_negotiation
		ON agent_events(negotiation_id, agent_id)
		WHERE negotiation_id IS NOT NULL AND status IN ('PENDING', 'DELIVERED');

	CREATE TABLE IF NOT EXISTS connection_requests (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		intent TEXT NOT NULL,
		stake_amount REAL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_requests_pair ON connection_requests(sender_id, recipient_id, status);

	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		user_low TEXT NOT NULL,
		user_high TEXT NOT NULL,
		user_a TEXT NOT NULL,
		user_b TEXT NOT NULL,
		request_id TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE (user_low, user_high)
	);

	CREATE TABLE IF NOT EXISTS message_threads (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS message_thread_participants (
		thread_id TEXT NOT NULL REFERENCES message_threads(id),
		user_id TEXT NOT NULL,
		PRIMARY KEY (thread_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		seller_id TEXT NOT NULL,
		title TEXT NOT NULL,
		price REAL NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS negotiations (
		id TEXT PRIMARY KEY,
		listing_id TEXT NOT NULL REFERENCES listings(id),
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		offer_price REAL NOT NULL,
		current_price REAL NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		last_actor_agent_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notifications (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		ref_id TEXT NOT NULL DEFAULT '',
		dedupe_key TEXT UNIQUE,
		read INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at);

	CREATE TABLE IF NOT EXISTS payment_transactions (
		id TEXT PRIMARY KEY,
		connection_request_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		amount REAL NOT NULL,
		status TEXT NOT NULL,
		tx_hash TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_request ON payment_transactions(connection_request_id, status);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside one transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txStore := &SQLiteStore{db: s.db, q: tx, inTx: true}

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.inTx {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// exec runs a write and maps unique violations to ErrConflict.
func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return nil, fmt.Errorf("%s: %w", op, ErrConflict)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// execChanged runs a conditional update and reports whether a row changed.
func (s *SQLiteStore) execChanged(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.exec(ctx, op, query, args...)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return rows > 0, nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}

// Timestamps are stored as Unix milliseconds.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
