package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jexlab/jexagent/pkg/models"
	"github.com/jexlab/jexagent/pkg/store"
)

func TestUntilNextMidnightUTC(t *testing.T) {
	now := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Hour, untilNextMidnightUTC(now))

	justAfter := time.Date(2025, 3, 10, 0, 0, 1, 0, time.UTC)
	assert.Equal(t, 24*time.Hour-time.Second, untilNextMidnightUTC(justAfter))
}

func TestResetQuotas(t *testing.T) {
	memStore := store.NewMemoryStore()
	memStore.PutUser(&models.User{ID: "user-1", DailyQuota: 10, DailyUsed: 7})

	svc := NewService(memStore)
	svc.resetQuotas(context.Background())

	user, err := memStore.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Zero(t, user.DailyUsed)
}

func TestStartStop(t *testing.T) {
	svc := NewService(store.NewMemoryStore())
	svc.Start(context.Background())
	svc.Stop()
}
