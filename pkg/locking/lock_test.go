package locking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerSingleHolder(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	acquired, err := locker.Acquire(ctx, "task-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)

	again, err := locker.Acquire(ctx, "task-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, again, "second acquire must fail while held")

	// Independent tasks don't contend.
	other, err := locker.Acquire(ctx, "task-2", time.Hour)
	require.NoError(t, err)
	assert.True(t, other)

	require.NoError(t, locker.Release(ctx, "task-1"))
	reacquired, err := locker.Acquire(ctx, "task-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, reacquired)
}

func TestMemoryLockerTTLExpiry(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	now := time.Now()
	locker.clock = func() time.Time { return now }

	acquired, err := locker.Acquire(ctx, "task-1", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	// A crashed holder never releases; the lease must expire on its own.
	locker.clock = func() time.Time { return now.Add(2 * time.Hour) }
	expired, err := locker.Acquire(ctx, "task-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, expired, "expired lease counts as free")
}

func TestMemoryLockerReleaseUnheldIsNoop(t *testing.T) {
	locker := NewMemoryLocker()
	assert.NoError(t, locker.Release(context.Background(), "never-held"))
}
