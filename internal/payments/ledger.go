// Package payments holds connection-request stakes in escrow on an external
// payment rail and releases them on acceptance, rejection or expiry.
package payments

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/shared"
	"github.com/ashureev/agentdesk/internal/store"
)

// Rail moves funds between accounts. Transfers carrying the same idempotency
// key must not move funds twice.
type Rail interface {
	Transfer(ctx context.Context, sender, receiver string, amount float64, idempotencyKey string) (txHash string, err error)
}

// Ledger records stakes and drives the rail.
type Ledger struct {
	repo   store.Repository
	rail   Rail
	ids    shared.IDGenerator
	now    shared.Clock
	escrow string
}

// NewLedger creates a ledger that holds stakes in the escrow account.
func NewLedger(repo store.Repository, rail Rail, ids shared.IDGenerator, now shared.Clock, escrow string) *Ledger {
	if ids == nil {
		ids = shared.UUIDGenerator{}
	}
	if now == nil {
		now = shared.SystemClock
	}
	return &Ledger{repo: repo, rail: rail, ids: ids, now: now, escrow: escrow}
}

// HoldStake moves the request's stake from the sender into escrow and
// records a PENDING transaction. Requests without a stake are a no-op.
func (l *Ledger) HoldStake(ctx context.Context, req *domain.ConnectionRequest) (*domain.PaymentTransaction, error) {
	if req.StakeAmount == nil || *req.StakeAmount <= 0 {
		return nil, nil
	}

	key := l.ids.NewID()
	txHash, err := l.rail.Transfer(ctx, req.SenderID, l.escrow, *req.StakeAmount, key)
	if err != nil {
		return nil, fmt.Errorf("hold stake: %w", err)
	}

	now := l.now()
	p := &domain.PaymentTransaction{
		ID:                  l.ids.NewID(),
		ConnectionRequestID: req.ID,
		SenderID:            req.SenderID,
		ReceiverID:          req.RecipientID,
		Amount:              *req.StakeAmount,
		Status:              domain.PaymentPending,
		TxHash:              txHash,
		IdempotencyKey:      key,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := l.repo.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("record stake: %w", err)
	}
	slog.Info("Stake held", "request_id", req.ID, "amount", p.Amount, "tx_hash", txHash)
	return p, nil
}

// Refund returns the pending stake of a request to its sender. It reports
// false when there is no pending stake, so repeated calls refund once.
func (l *Ledger) Refund(ctx context.Context, requestID string) (bool, error) {
	return l.release(ctx, requestID, domain.PaymentRefunded, "refund", func(p *domain.PaymentTransaction) string {
		return p.SenderID
	})
}

// Settle pays the pending stake of a request to its recipient.
func (l *Ledger) Settle(ctx context.Context, requestID string) (bool, error) {
	return l.release(ctx, requestID, domain.PaymentSettled, "settle", func(p *domain.PaymentTransaction) string {
		return p.ReceiverID
	})
}

func (l *Ledger) release(ctx context.Context, requestID string, to domain.PaymentStatus, op string, payee func(*domain.PaymentTransaction) string) (bool, error) {
	p, err := l.repo.GetPendingPaymentForRequest(ctx, requestID)
	if err != nil {
		return false, fmt.Errorf("%s: lookup stake: %w", op, err)
	}
	if p == nil {
		return false, nil
	}

	// Claim the transition first so concurrent callers cannot both transfer.
	changed, err := l.repo.TransitionPayment(ctx, p.ID, domain.PaymentPending, to, "", l.now())
	if err != nil {
		return false, fmt.Errorf("%s: transition stake: %w", op, err)
	}
	if !changed {
		return false, nil
	}

	txHash, err := l.rail.Transfer(ctx, l.escrow, payee(p), p.Amount, op+":"+p.ID)
	if err != nil {
		if _, markErr := l.repo.TransitionPayment(ctx, p.ID, to, domain.PaymentFailed, "", l.now()); markErr != nil {
			slog.Warn("failed to mark stake transfer failure", "payment_id", p.ID, "error", markErr)
		}
		return false, fmt.Errorf("%s: transfer: %w", op, err)
	}
	if _, err := l.repo.TransitionPayment(ctx, p.ID, to, to, txHash, l.now()); err != nil {
		slog.Warn("failed to record stake tx hash", "payment_id", p.ID, "error", err)
	}

	slog.Info("Stake released", "op", op, "request_id", requestID, "payment_id", p.ID, "tx_hash", txHash)
	return true, nil
}
