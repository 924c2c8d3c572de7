package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
)

const conversationColumns = `id, agent_id, status, connection_request_id, negotiation_id,
	chat_thread_id, peer_user_id, decision, decision_confidence, decision_reason,
	created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*domain.Conversation, error) {
	var c domain.Conversation
	var status string
	var requestID, negotiationID, threadID, peerID sql.NullString
	var confidence sql.NullFloat64
	var createdAt, updatedAt int64

	err := row.Scan(
		&c.ID, &c.AgentID, &status, &requestID, &negotiationID,
		&threadID, &peerID, &c.Decision, &confidence, &c.DecisionReason,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = domain.ConversationStatus(status)
	c.ConnectionRequestID = requestID.String
	c.NegotiationID = negotiationID.String
	c.ChatThreadID = threadID.String
	c.PeerUserID = peerID.String
	c.DecisionConfidence = floatPtr(confidence)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

func (s *SQLiteStore) getConversationWhere(ctx context.Context, where string, args ...any) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM agent_conversations WHERE ` + where + ` LIMIT 1`
	c, err := scanConversation(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return c, nil
}

// CreateConversation inserts a conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	query := `
	INSERT INTO agent_conversations (` + conversationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.exec(ctx, "insert conversation", query,
		c.ID, c.AgentID, string(c.Status), nullString(c.ConnectionRequestID), nullString(c.NegotiationID),
		nullString(c.ChatThreadID), nullString(c.PeerUserID), c.Decision, nullFloat(c.DecisionConfidence), c.DecisionReason,
		toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
	)
	return err
}

// GetConversation retrieves a conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	return s.getConversationWhere(ctx, "id = ?", conversationID)
}

// FindConversationByThread returns the agent's side of a chat thread.
func (s *SQLiteStore) FindConversationByThread(ctx context.Context, agentID, chatThreadID string) (*domain.Conversation, error) {
	return s.getConversationWhere(ctx, "agent_id = ? AND chat_thread_id = ?", agentID, chatThreadID)
}

// FindThreadConversationByPeer returns the agent's latest chat thread with a peer.
func (s *SQLiteStore) FindThreadConversationByPeer(ctx context.Context, agentID, peerUserID string) (*domain.Conversation, error) {
	return s.getConversationWhere(ctx,
		"agent_id = ? AND peer_user_id = ? AND chat_thread_id IS NOT NULL ORDER BY updated_at DESC",
		agentID, peerUserID)
}

// AttachChatThread links a one-sided conversation to a chat thread.
func (s *SQLiteStore) AttachChatThread(ctx context.Context, conversationID, chatThreadID, peerUserID string, at time.Time) (bool, error) {
	return s.execChanged(ctx, "attach chat thread",
		`UPDATE agent_conversations SET chat_thread_id = ?, peer_user_id = ?, updated_at = ?
		 WHERE id = ? AND chat_thread_id IS NULL`,
		chatThreadID, peerUserID, toMillis(at), conversationID)
}

// SetConversationOutcome records the terminal state of a conversation.
func (s *SQLiteStore) SetConversationOutcome(ctx context.Context, conversationID string, status domain.ConversationStatus, decision string, confidence *float64, reason string, at time.Time) error {
	_, err := s.exec(ctx, "set conversation outcome",
		`UPDATE agent_conversations
		 SET status = ?, decision = ?, decision_confidence = ?, decision_reason = ?, updated_at = ?
		 WHERE id = ?`,
		string(status), decision, nullFloat(confidence), reason, toMillis(at), conversationID)
	return err
}

// TouchConversation bumps updated_at.
func (s *SQLiteStore) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	_, err := s.exec(ctx, "touch conversation",
		`UPDATE agent_conversations SET updated_at = ? WHERE id = ?`, toMillis(at), conversationID)
	return err
}

// AppendMessage inserts a message at the end of its conversation.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	var tokens any
	if m.TokenCount != nil {
		tokens = *m.TokenCount
	}
	_, err := s.exec(ctx, "insert message",
		`INSERT INTO agent_messages (id, conversation_id, role, content, token_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, tokens, toMillis(m.CreatedAt))
	return err
}

// ListMessages returns a conversation's messages oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	query := `SELECT id, conversation_id, role, content, token_count, created_at FROM agent_messages
		WHERE conversation_id = ? ORDER BY created_at ASC, seq ASC`
	args := []any{conversationID}
	if limit > 0 {
		query = `SELECT * FROM (
			SELECT id, conversation_id, role, content, token_count, created_at, seq FROM agent_messages
			WHERE conversation_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?
		) ORDER BY created_at ASC, seq ASC`
		args = append(args, limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var msgs []*domain.Message
	for rows.Next() {
		var m domain.Message
		var role string
		var tokens sql.NullInt64
		var createdAt int64
		dest := []any{&m.ID, &m.ConversationID, &role, &m.Content, &tokens, &createdAt}
		if limit > 0 {
			var seq int64
			dest = append(dest, &seq)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = domain.MessageRole(role)
		if tokens.Valid {
			n := int(tokens.Int64)
			m.TokenCount = &n
		}
		m.CreatedAt = fromMillis(createdAt)
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}
