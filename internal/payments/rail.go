package payments

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/zeebo/blake3"
)

// LogRail is a rail that records transfers in the log only. Its tx hashes are
// derived from the idempotency key, so retries report the same hash.
type LogRail struct{}

// Transfer implements Rail.
func (LogRail) Transfer(_ context.Context, sender, receiver string, amount float64, idempotencyKey string) (string, error) {
	sum := blake3.Sum256([]byte(idempotencyKey))
	txHash := hex.EncodeToString(sum[:16])
	slog.Info("Payment transfer",
		"sender", sender,
		"receiver", receiver,
		"amount", amount,
		"idempotency_key", idempotencyKey,
		"tx_hash", txHash)
	return txHash, nil
}

// EnsureAccount implements identity.AccountProvisioner.
func (LogRail) EnsureAccount(_ context.Context, userID string) (string, error) {
	return "acct-" + userID, nil
}
