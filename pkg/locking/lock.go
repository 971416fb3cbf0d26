// Package locking provides the per-task single-holder lease that guards a
// background execution. Two implementations: in-process (single node) and
// Redis SETNX (multi-process), both TTL-bounded so a crashed holder cannot
// wedge a task forever.
package locking

import (
	"context"
	"sync"
	"time"
)

// TaskLocker acquires and releases named single-holder leases.
type TaskLocker interface {
	// Acquire takes the lease for a task. Returns false if another holder
	// owns it.
	Acquire(ctx context.Context, taskID string, ttl time.Duration) (bool, error)
	// Release gives the lease back. Releasing an unheld lease is a no-op.
	Release(ctx context.Context, taskID string) error
}

// MemoryLocker is the in-process lease table.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time // taskID -> expiry
	clock func() time.Time
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), clock: time.Now}
}

// Acquire implements TaskLocker. An expired lease counts as free.
func (l *MemoryLocker) Acquire(_ context.Context, taskID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expiry, ok := l.held[taskID]; ok && l.clock().Before(expiry) {
		return false, nil
	}
	l.held[taskID] = l.clock().Add(ttl)
	return true, nil
}

// Release implements TaskLocker.
func (l *MemoryLocker) Release(_ context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, taskID)
	return nil
}
