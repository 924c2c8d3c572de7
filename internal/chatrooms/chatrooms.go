// Package chatrooms provisions chat accounts and direct-message channels on
// the external chat network.
package chatrooms

import (
	"context"
	"log/slog"
	"sort"
	"strings"
)

// Provisioner creates chat accounts and direct channels. Both calls must be
// idempotent.
type Provisioner interface {
	EnsureAccount(ctx context.Context, userID string) (string, error)
	EnsureDirectChannel(ctx context.Context, userA, userB string) (string, error)
}

// LogProvisioner derives deterministic ids and logs each call.
type LogProvisioner struct {
	Domain string
}

// EnsureAccount implements Provisioner.
func (p LogProvisioner) EnsureAccount(_ context.Context, userID string) (string, error) {
	id := "@" + userID + ":" + p.domain()
	slog.Info("Chat account ensured", "user_id", userID, "account_id", id)
	return id, nil
}

// EnsureDirectChannel implements Provisioner.
func (p LogProvisioner) EnsureDirectChannel(_ context.Context, userA, userB string) (string, error) {
	pair := []string{userA, userB}
	sort.Strings(pair)
	id := "!dm-" + strings.Join(pair, "-") + ":" + p.domain()
	slog.Info("Direct channel ensured", "user_a", userA, "user_b", userB, "room_id", id)
	return id, nil
}

func (p LogProvisioner) domain() string {
	if p.Domain == "" {
		return "agentdesk.local"
	}
	return p.Domain
}
