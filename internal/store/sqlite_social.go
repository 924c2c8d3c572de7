package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
)

const requestColumns = `id, sender_id, recipient_id, category, intent, stake_amount, status, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (*domain.ConnectionRequest, error) {
	var r domain.ConnectionRequest
	var status string
	var stake sql.NullFloat64
	var createdAt, updatedAt int64
	if err := row.Scan(&r.ID, &r.SenderID, &r.RecipientID, &r.Category, &r.Intent, &stake, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.StakeAmount = floatPtr(stake)
	r.Status = domain.RequestStatus(status)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}

// CreateConnectionRequest inserts a connection request.
func (s *SQLiteStore) CreateConnectionRequest(ctx context.Context, r *domain.ConnectionRequest) error {
	_, err := s.exec(ctx, "insert connection request",
		`INSERT INTO connection_requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SenderID, r.RecipientID, r.Category, r.Intent, nullFloat(r.StakeAmount), string(r.Status),
		toMillis(r.CreatedAt), toMillis(r.UpdatedAt))
	return err
}

// GetConnectionRequest retrieves a connection request by id.
func (s *SQLiteStore) GetConnectionRequest(ctx context.Context, requestID string) (*domain.ConnectionRequest, error) {
	r, err := scanRequest(s.q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM connection_requests WHERE id = ?`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection request row: %w", err)
	}
	return r, nil
}

// FindOpenRequestBetween returns a PENDING or IN_CONVERSATION request from
// sender to recipient.
func (s *SQLiteStore) FindOpenRequestBetween(ctx context.Context, senderID, recipientID string) (*domain.ConnectionRequest, error) {
	r, err := scanRequest(s.q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM connection_requests
		 WHERE sender_id = ? AND recipient_id = ? AND status IN ('PENDING', 'IN_CONVERSATION')
		 LIMIT 1`, senderID, recipientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection request row: %w", err)
	}
	return r, nil
}

// UpdateConnectionRequestStatus sets a request's status.
func (s *SQLiteStore) UpdateConnectionRequestStatus(ctx context.Context, requestID string, status domain.RequestStatus, at time.Time) error {
	_, err := s.exec(ctx, "update connection request status",
		`UPDATE connection_requests SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(at), requestID)
	return err
}

func orderedPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// CreateConnection inserts a connection between two users.
func (s *SQLiteStore) CreateConnection(ctx context.Context, c *domain.Connection) error {
	low, high := orderedPair(c.UserA, c.UserB)
	_, err := s.exec(ctx, "insert connection",
		`INSERT INTO connections (id, user_low, user_high, user_a, user_b, request_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, low, high, c.UserA, c.UserB, nullString(c.RequestID), toMillis(c.CreatedAt))
	return err
}

// ConnectionExists reports whether two users are connected, in either order.
func (s *SQLiteStore) ConnectionExists(ctx context.Context, userA, userB string) (bool, error) {
	low, high := orderedPair(userA, userB)
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM connections WHERE user_low = ? AND user_high = ?`, low, high).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count connections: %w", err)
	}
	return n > 0, nil
}

// CreateMessageThread inserts a thread and its participants.
func (s *SQLiteStore) CreateMessageThread(ctx context.Context, t *domain.MessageThread) error {
	if _, err := s.exec(ctx, "insert message thread",
		`INSERT INTO message_threads (id, created_at) VALUES (?, ?)`, t.ID, toMillis(t.CreatedAt)); err != nil {
		return err
	}
	for _, userID := range t.Participants {
		if _, err := s.exec(ctx, "insert thread participant",
			`INSERT INTO message_thread_participants (thread_id, user_id) VALUES (?, ?)`, t.ID, userID); err != nil {
			return err
		}
	}
	return nil
}

// ListMessageThreads returns the threads a user participates in.
func (s *SQLiteStore) ListMessageThreads(ctx context.Context, userID string) ([]*domain.MessageThread, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT t.id, t.created_at, p.user_id
		 FROM message_threads t
		 JOIN message_thread_participants p ON p.thread_id = t.id
		 WHERE t.id IN (SELECT thread_id FROM message_thread_participants WHERE user_id = ?)
		 ORDER BY t.created_at ASC, t.id, p.user_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query message threads: %w", err)
	}
	defer closeRows(rows, "message threads")

	var threads []*domain.MessageThread
	byID := make(map[string]*domain.MessageThread)
	for rows.Next() {
		var id, participant string
		var createdAt int64
		if err := rows.Scan(&id, &createdAt, &participant); err != nil {
			return nil, fmt.Errorf("scan message thread row: %w", err)
		}
		t, ok := byID[id]
		if !ok {
			t = &domain.MessageThread{ID: id, CreatedAt: fromMillis(createdAt)}
			byID[id] = t
			threads = append(threads, t)
		}
		t.Participants = append(t.Participants, participant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message threads: %w", err)
	}
	return threads, nil
}

// CreateListing inserts a listing.
func (s *SQLiteStore) CreateListing(ctx context.Context, l *domain.Listing) error {
	_, err := s.exec(ctx, "insert listing",
		`INSERT INTO listings (id, seller_id, title, price, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.SellerID, l.Title, l.Price, string(l.Status), toMillis(l.CreatedAt), toMillis(l.UpdatedAt))
	return err
}

// GetListing retrieves a listing by id.
func (s *SQLiteStore) GetListing(ctx context.Context, listingID string) (*domain.Listing, error) {
	var l domain.Listing
	var status string
	var createdAt, updatedAt int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id, seller_id, title, price, status, created_at, updated_at FROM listings WHERE id = ?`,
		listingID).Scan(&l.ID, &l.SellerID, &l.Title, &l.Price, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan listing row: %w", err)
	}
	l.Status = domain.ListingStatus(status)
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	return &l, nil
}

// UpdateListingStatus sets a listing's status.
func (s *SQLiteStore) UpdateListingStatus(ctx context.Context, listingID string, status domain.ListingStatus, at time.Time) error {
	_, err := s.exec(ctx, "update listing status",
		`UPDATE listings SET status = ?, updated_at = ? WHERE id = ?`, string(status), toMillis(at), listingID)
	return err
}

// CreateNegotiation inserts a negotiation.
func (s *SQLiteStore) CreateNegotiation(ctx context.Context, n *domain.Negotiation) error {
	_, err := s.exec(ctx, "insert negotiation",
		`INSERT INTO negotiations (id, listing_id, buyer_id, seller_id, offer_price, current_price,
			message, status, last_actor_agent_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.ListingID, n.BuyerID, n.SellerID, n.OfferPrice, n.CurrentPrice,
		n.Message, string(n.Status), nullString(n.LastActorAgentID), toMillis(n.CreatedAt), toMillis(n.UpdatedAt))
	return err
}

// GetNegotiation retrieves a negotiation by id.
func (s *SQLiteStore) GetNegotiation(ctx context.Context, negotiationID string) (*domain.Negotiation, error) {
	var n domain.Negotiation
	var status string
	var lastActor sql.NullString
	var createdAt, updatedAt int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id, listing_id, buyer_id, seller_id, offer_price, current_price, message, status,
			last_actor_agent_id, created_at, updated_at
		 FROM negotiations WHERE id = ?`, negotiationID).Scan(
		&n.ID, &n.ListingID, &n.BuyerID, &n.SellerID, &n.OfferPrice, &n.CurrentPrice, &n.Message, &status,
		&lastActor, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan negotiation row: %w", err)
	}
	n.Status = domain.NegotiationStatus(status)
	n.LastActorAgentID = lastActor.String
	n.CreatedAt = fromMillis(createdAt)
	n.UpdatedAt = fromMillis(updatedAt)
	return &n, nil
}

// UpdateNegotiationStatus sets a negotiation's status.
func (s *SQLiteStore) UpdateNegotiationStatus(ctx context.Context, negotiationID string, status domain.NegotiationStatus, at time.Time) error {
	_, err := s.exec(ctx, "update negotiation status",
		`UPDATE negotiations SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(at), negotiationID)
	return err
}

// RecordNegotiationTurn stores who acted last and at which price.
func (s *SQLiteStore) RecordNegotiationTurn(ctx context.Context, negotiationID, actorAgentID string, price float64, at time.Time) error {
	_, err := s.exec(ctx, "record negotiation turn",
		`UPDATE negotiations SET last_actor_agent_id = ?, current_price = ?, updated_at = ? WHERE id = ?`,
		actorAgentID, price, toMillis(at), negotiationID)
	return err
}

// CreateNotification inserts a notification unless its dedupe key exists.
func (s *SQLiteStore) CreateNotification(ctx context.Context, n *domain.Notification) (bool, error) {
	return s.execChanged(ctx, "insert notification",
		`INSERT INTO notifications (id, user_id, type, title, body, ref_id, dedupe_key, read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(dedupe_key) DO NOTHING`,
		n.ID, n.UserID, n.Type, n.Title, n.Body, n.RefID, nullString(n.DedupeKey), boolInt(n.Read), toMillis(n.CreatedAt))
}

// ListNotifications returns a user's notifications oldest first.
func (s *SQLiteStore) ListNotifications(ctx context.Context, userID string) ([]*domain.Notification, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, user_id, type, title, body, ref_id, dedupe_key, read, created_at
		 FROM notifications WHERE user_id = ? ORDER BY created_at ASC, seq ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer closeRows(rows, "notifications")

	var out []*domain.Notification
	for rows.Next() {
		var n domain.Notification
		var dedupe sql.NullString
		var read int
		var createdAt int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &n.RefID, &dedupe, &read, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification row: %w", err)
		}
		n.DedupeKey = dedupe.String
		n.Read = read != 0
		n.CreatedAt = fromMillis(createdAt)
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

// CreatePayment inserts a stake transaction.
func (s *SQLiteStore) CreatePayment(ctx context.Context, p *domain.PaymentTransaction) error {
	_, err := s.exec(ctx, "insert payment",
		`INSERT INTO payment_transactions (id, connection_request_id, sender_id, receiver_id, amount,
			status, tx_hash, idempotency_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ConnectionRequestID, p.SenderID, p.ReceiverID, p.Amount,
		string(p.Status), p.TxHash, p.IdempotencyKey, toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	return err
}

// GetPendingPaymentForRequest returns the pending stake of a request.
func (s *SQLiteStore) GetPendingPaymentForRequest(ctx context.Context, requestID string) (*domain.PaymentTransaction, error) {
	var p domain.PaymentTransaction
	var status string
	var createdAt, updatedAt int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id, connection_request_id, sender_id, receiver_id, amount, status, tx_hash,
			idempotency_key, created_at, updated_at
		 FROM payment_transactions WHERE connection_request_id = ? AND status = 'PENDING'
		 ORDER BY created_at ASC LIMIT 1`, requestID).Scan(
		&p.ID, &p.ConnectionRequestID, &p.SenderID, &p.ReceiverID, &p.Amount, &status, &p.TxHash,
		&p.IdempotencyKey, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment row: %w", err)
	}
	p.Status = domain.PaymentStatus(status)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

// TransitionPayment moves a payment between statuses at most once.
func (s *SQLiteStore) TransitionPayment(ctx context.Context, paymentID string, from, to domain.PaymentStatus, txHash string, at time.Time) (bool, error) {
	return s.execChanged(ctx, "transition payment",
		`UPDATE payment_transactions
		 SET status = ?, tx_hash = CASE WHEN ? = '' THEN tx_hash ELSE ? END, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), txHash, txHash, toMillis(at), paymentID, string(from))
}
