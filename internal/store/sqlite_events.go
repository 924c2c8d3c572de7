package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
)

const eventColumns = `id, agent_id, type, status, connection_request_id, negotiation_id,
	conversation_id, payload, decision, expires_at, webhook_attempts, last_webhook_at,
	created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*domain.Event, error) {
	var e domain.Event
	var eventType, status string
	var requestID, negotiationID, conversationID, decision sql.NullString
	var payload string
	var expiresAt, createdAt, updatedAt int64
	var lastWebhook sql.NullInt64

	err := row.Scan(
		&e.ID, &e.AgentID, &eventType, &status, &requestID, &negotiationID,
		&conversationID, &payload, &decision, &expiresAt, &e.WebhookAttempts, &lastWebhook,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Type = domain.EventType(eventType)
	e.Status = domain.EventStatus(status)
	e.ConnectionRequestID = requestID.String
	e.NegotiationID = negotiationID.String
	e.ConversationID = conversationID.String
	e.ExpiresAt = fromMillis(expiresAt)
	e.LastWebhookAt = timePtr(lastWebhook)
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)

	p, err := domain.DecodePayload(e.Type, []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", e.ID, err)
	}
	e.Payload = p

	if decision.Valid && decision.String != "" {
		var d domain.Decision
		if err := json.Unmarshal([]byte(decision.String), &d); err != nil {
			return nil, fmt.Errorf("event %s: decode decision: %w", e.ID, err)
		}
		e.Decision = &d
	}
	return &e, nil
}

func (s *SQLiteStore) queryEvents(ctx context.Context, what, query string, args ...any) ([]*domain.Event, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer closeRows(rows, what)

	var events []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", what, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return events, nil
}

func (s *SQLiteStore) getEventWhere(ctx context.Context, where string, args ...any) (*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM agent_events WHERE ` + where + ` LIMIT 1`
	e, err := scanEvent(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan event row: %w", err)
	}
	return e, nil
}

// CreateEvent inserts a new event.
func (s *SQLiteStore) CreateEvent(ctx context.Context, e *domain.Event) error {
	if e.Payload == nil || e.Payload.EventType() != e.Type {
		return fmt.Errorf("insert event: payload does not match type %s", e.Type)
	}
	payload, err := domain.EncodePayload(e.Payload)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	var decision any
	if e.Decision != nil {
		raw, err := json.Marshal(e.Decision)
		if err != nil {
			return fmt.Errorf("insert event: encode decision: %w", err)
		}
		decision = string(raw)
	}

	query := `
	INSERT INTO agent_events (` + eventColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.exec(ctx, "insert event", query,
		e.ID, e.AgentID, string(e.Type), string(e.Status),
		nullString(e.ConnectionRequestID), nullString(e.NegotiationID), nullString(e.ConversationID),
		string(payload), decision, toMillis(e.ExpiresAt), e.WebhookAttempts, nullMillis(e.LastWebhookAt),
		toMillis(e.CreatedAt), toMillis(e.UpdatedAt),
	)
	return err
}

// GetEvent retrieves an event by id.
func (s *SQLiteStore) GetEvent(ctx context.Context, eventID string) (*domain.Event, error) {
	return s.getEventWhere(ctx, "id = ?", eventID)
}

// ListPollableEvents returns undecided, unexpired events for an agent.
func (s *SQLiteStore) ListPollableEvents(ctx context.Context, agentID string, now time.Time) ([]*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM agent_events
		WHERE agent_id = ? AND status IN ('PENDING', 'DELIVERED') AND expires_at > ?
		ORDER BY created_at ASC, seq ASC`
	return s.queryEvents(ctx, "pollable events", query, agentID, toMillis(now))
}

// ListExpirableEvents returns non-terminal events past their deadline.
func (s *SQLiteStore) ListExpirableEvents(ctx context.Context, now time.Time, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + eventColumns + ` FROM agent_events
		WHERE status IN ('PENDING', 'DELIVERED') AND expires_at <= ?
		ORDER BY expires_at ASC LIMIT ?`
	return s.queryEvents(ctx, "expirable events", query, toMillis(now), limit)
}

// ListUnrefundedExpiredRequests returns request ids whose stake outlived an
// expired event.
func (s *SQLiteStore) ListUnrefundedExpiredRequests(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT e.connection_request_id FROM agent_events e
		JOIN payment_transactions p ON p.connection_request_id = e.connection_request_id
		WHERE e.status = 'EXPIRED' AND e.connection_request_id IS NOT NULL AND p.status = 'PENDING'
		  AND NOT EXISTS (
			SELECT 1 FROM agent_events o
			WHERE o.connection_request_id = e.connection_request_id
			  AND o.status IN ('PENDING', 'DELIVERED', 'DECIDED'))
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unrefunded requests: %w", err)
	}
	defer closeRows(rows, "unrefunded requests")

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unrefunded request: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unrefunded requests: %w", err)
	}
	return ids, nil
}

// FindOpenEventForRequest returns the non-terminal event for a request and agent.
func (s *SQLiteStore) FindOpenEventForRequest(ctx context.Context, requestID, agentID string) (*domain.Event, error) {
	return s.getEventWhere(ctx,
		"connection_request_id = ? AND agent_id = ? AND status IN ('PENDING', 'DELIVERED')",
		requestID, agentID)
}

// FindOpenEventForNegotiation returns the non-terminal event for a negotiation and agent.
func (s *SQLiteStore) FindOpenEventForNegotiation(ctx context.Context, negotiationID, agentID string) (*domain.Event, error) {
	return s.getEventWhere(ctx,
		"negotiation_id = ? AND agent_id = ? AND status IN ('PENDING', 'DELIVERED')",
		negotiationID, agentID)
}

// MarkEventDelivered flips a PENDING event to DELIVERED.
func (s *SQLiteStore) MarkEventDelivered(ctx context.Context, eventID string, at time.Time) (bool, error) {
	return s.execChanged(ctx, "mark event delivered",
		`UPDATE agent_events SET status = 'DELIVERED', updated_at = ? WHERE id = ? AND status = 'PENDING'`,
		toMillis(at), eventID)
}

// DecideEvent records a decision on a non-terminal event.
func (s *SQLiteStore) DecideEvent(ctx context.Context, eventID string, decision *domain.Decision, at time.Time) (bool, error) {
	var raw any
	if decision != nil {
		b, err := json.Marshal(decision)
		if err != nil {
			return false, fmt.Errorf("decide event: encode decision: %w", err)
		}
		raw = string(b)
	}
	return s.execChanged(ctx, "decide event",
		`UPDATE agent_events SET status = 'DECIDED', decision = ?, updated_at = ?
		 WHERE id = ? AND status IN ('PENDING', 'DELIVERED')`,
		raw, toMillis(at), eventID)
}

// ExpireEvent flips a non-terminal event to EXPIRED.
func (s *SQLiteStore) ExpireEvent(ctx context.Context, eventID string, at time.Time) (bool, error) {
	return s.execChanged(ctx, "expire event",
		`UPDATE agent_events SET status = 'EXPIRED', updated_at = ?
		 WHERE id = ? AND status IN ('PENDING', 'DELIVERED')`,
		toMillis(at), eventID)
}

// RecordWebhookAttempt claims one attempt out of limit atomically.
func (s *SQLiteStore) RecordWebhookAttempt(ctx context.Context, eventID string, at time.Time, limit int) (int, bool, error) {
	var attempts int
	err := s.q.QueryRowContext(ctx,
		`UPDATE agent_events SET webhook_attempts = webhook_attempts + 1, last_webhook_at = ?
		 WHERE id = ? AND webhook_attempts < ? RETURNING webhook_attempts`,
		toMillis(at), eventID, limit).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("record webhook attempt: %w", err)
	}
	return attempts, true, nil
}
