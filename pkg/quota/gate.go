// Package quota implements the per-user daily quota gate with compensating
// rollback on task-creation failure.
package quota

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jexlab/jexagent/pkg/store"
)

// ErrExhausted is returned when the user's daily quota is used up.
var ErrExhausted = errors.New("daily quota exhausted")

// Gate wraps the store's atomic quota counters. When disabled (development
// flag) both directions are no-ops.
type Gate struct {
	store    store.Store
	disabled bool
}

// NewGate creates a quota gate. disabled bypasses all checks.
func NewGate(s store.Store, disabled bool) *Gate {
	return &Gate{store: s, disabled: disabled}
}

// Reserve atomically consumes one unit of today's quota. Must be called
// before the task row is persisted.
func (g *Gate) Reserve(ctx context.Context, userID string) error {
	if g.disabled {
		slog.Info("Quota check disabled, skipping", "user_id", userID)
		return nil
	}
	used, err := g.store.IncrementDailyUsed(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			return ErrExhausted
		}
		return err
	}
	slog.Info("Quota reserved", "user_id", userID, "daily_used", used)
	return nil
}

// Rollback returns a previously reserved unit after a creation failure.
// Best-effort: a failed rollback is logged, never propagated.
func (g *Gate) Rollback(ctx context.Context, userID string) {
	if g.disabled {
		return
	}
	if err := g.store.DecrementDailyUsed(ctx, userID); err != nil {
		slog.Error("Quota rollback failed", "user_id", userID, "error", err)
	}
}
