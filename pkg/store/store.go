// Package store defines the narrow persistence interface the runtime
// depends on — task CRUD, audit-row inserts, atomic quota counters — with a
// Postgres implementation and an in-memory one for tests and single-node
// development.
package store

import (
	"context"
	"errors"

	"github.com/jexlab/jexagent/pkg/models"
)

// Store errors.
var (
	// ErrNotFound is returned when a task or user does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrWrongStatus is returned when a compare-and-swap status update
	// matched no row.
	ErrWrongStatus = errors.New("task not in expected status")
	// ErrQuotaExceeded is returned when the daily quota is exhausted.
	ErrQuotaExceeded = errors.New("daily quota exceeded")
)

// Store is the persistence boundary. Implementations must be safe for
// concurrent use.
type Store interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, userID string, limit, offset int) (*models.TaskList, error)
	// UpdateTask applies a partial update unconditionally.
	UpdateTask(ctx context.Context, taskID string, update models.TaskUpdate) error
	// CASStatus atomically transitions status from->to, applying the rest
	// of the update in the same statement. Returns the updated task, or
	// ErrWrongStatus when the task was not in the expected status.
	CASStatus(ctx context.Context, taskID string, from, to models.TaskStatus, update models.TaskUpdate) (*models.Task, error)

	// InsertAuditEntries bulk-inserts the task's audit trail in one round
	// trip.
	InsertAuditEntries(ctx context.Context, taskID string, entries []models.AuditEntry) error

	GetUser(ctx context.Context, userID string) (*models.User, error)
	// IncrementDailyUsed atomically bumps the user's counter, failing with
	// ErrQuotaExceeded when daily_used has reached daily_quota. Returns
	// the new value.
	IncrementDailyUsed(ctx context.Context, userID string) (int, error)
	// DecrementDailyUsed is the compensating rollback after a failed
	// task creation.
	DecrementDailyUsed(ctx context.Context, userID string) error
	// ResetDailyUsage zeroes every user's daily counter. Returns how many
	// users were reset.
	ResetDailyUsage(ctx context.Context) (int, error)
}
