package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jexlab/jexagent/pkg/models"
)

func seedTask(t *testing.T, s *MemoryStore, id string, status models.TaskStatus) {
	t.Helper()
	require.NoError(t, s.CreateTask(context.Background(), &models.Task{
		ID: id, UserID: "user-1", Scene: "topic-analysis",
		UserInput: "input", Status: status, CreatedAt: time.Now(),
	}))
}

func TestCASStatusTransitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedTask(t, s, "task-1", models.StatusInquiring)

	updated, err := s.CASStatus(ctx, "task-1",
		models.StatusInquiring, models.StatusReadyForProcessing, models.TaskUpdate{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusReadyForProcessing, updated.Status)

	// Replaying the same transition loses.
	_, err = s.CASStatus(ctx, "task-1",
		models.StatusInquiring, models.StatusReadyForProcessing, models.TaskUpdate{})
	assert.ErrorIs(t, err, ErrWrongStatus)

	_, err = s.CASStatus(ctx, "missing",
		models.StatusInquiring, models.StatusReadyForProcessing, models.TaskUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCASStatusSerializesConcurrentWorkers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedTask(t, s, "task-1", models.StatusReadyForProcessing)

	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.CASStatus(ctx, "task-1",
				models.StatusReadyForProcessing, models.StatusProcessing, models.TaskUpdate{}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins, "exactly one worker may claim the task")
}

func TestQuotaCounters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.PutUser(&models.User{ID: "user-1", DailyQuota: 2})

	used, err := s.IncrementDailyUsed(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, used)

	used, err = s.IncrementDailyUsed(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, used)

	_, err = s.IncrementDailyUsed(ctx, "user-1")
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	require.NoError(t, s.DecrementDailyUsed(ctx, "user-1"))
	used, err = s.IncrementDailyUsed(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, used)
}

func TestResetDailyUsage(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.PutUser(&models.User{ID: "user-1", DailyQuota: 5, DailyUsed: 3})
	s.PutUser(&models.User{ID: "user-2", DailyQuota: 5, DailyUsed: 0})

	reset, err := s.ResetDailyUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	user, err := s.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, user.DailyUsed)
}

func TestListTasksPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateTask(ctx, &models.Task{
			ID: fmt.Sprintf("task-%d", i), UserID: "user-1",
			Status: models.StatusCompleted, CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.CreateTask(ctx, &models.Task{
		ID: "other", UserID: "user-2", Status: models.StatusCompleted, CreatedAt: time.Now(),
	}))

	list, err := s.ListTasks(ctx, "user-1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, list.Total)
	assert.Len(t, list.Tasks, 2)
	assert.True(t, list.HasMore)
	// Newest first.
	assert.Equal(t, "task-4", list.Tasks[0].ID)

	list, err = s.ListTasks(ctx, "user-1", 2, 4)
	require.NoError(t, err)
	assert.Len(t, list.Tasks, 1)
	assert.False(t, list.HasMore)
}

func TestGetTaskReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedTask(t, s, "task-1", models.StatusInquiring)

	task, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	task.Status = models.StatusFailed

	fresh, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInquiring, fresh.Status, "mutating a returned task must not leak")
}

func TestInsertAuditEntries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedTask(t, s, "task-1", models.StatusCompleted)

	entries := []models.AuditEntry{
		{Step: 0, Phase: "evaluation", Actor: models.ActorMeta, Action: "assess"},
		{Step: 1, Phase: "planning", Actor: models.ActorMeta, Action: "plan"},
	}
	require.NoError(t, s.InsertAuditEntries(ctx, "task-1", entries))
	assert.Equal(t, entries, s.AuditEntries("task-1"))
}
