// Package cleanup provides the daily maintenance loop.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/jexlab/jexagent/pkg/store"
)

// Service resets every user's daily quota counter at UTC midnight. The
// reset is idempotent and safe to run from multiple replicas.
type Service struct {
	store store.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the maintenance service.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// Start launches the background loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)
	slog.Info("Quota reset service started")
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Quota reset service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	for {
		timer := time.NewTimer(untilNextMidnightUTC(time.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.resetQuotas(ctx)
		}
	}
}

func (s *Service) resetQuotas(ctx context.Context) {
	reset, err := s.store.ResetDailyUsage(ctx)
	if err != nil {
		slog.Error("Daily quota reset failed", "error", err)
		return
	}
	slog.Info("Daily quotas reset", "users", reset)
}

func untilNextMidnightUTC(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(now)
}
