package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jexlab/jexagent/pkg/models"
)

// PostgresStore implements Store over a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const taskColumns = `id, user_id, scene, user_input, status, collected_info,
	processing_state, output, cost, duration, created_at, completed_at`

// CreateTask implements Store.
func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	collected, output, err := marshalTaskJSON(task.CollectedInfo, task.Output)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, user_id, scene, user_input, status, collected_info,
			processing_state, output, cost, duration, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		task.ID, task.UserID, task.Scene, task.UserInput, task.Status,
		collected, nullableRaw(task.ProcessingState), output,
		task.Cost, task.Duration, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetTask implements Store.
func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	return scanTask(row)
}

// ListTasks implements Store. Newest first.
func (s *PostgresStore) ListTasks(ctx context.Context, userID string, limit, offset int) (*models.TaskList, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM tasks WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+`
		FROM tasks WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*models.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	return &models.TaskList{
		Tasks:   tasks,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: total > offset+limit,
	}, nil
}

// UpdateTask implements Store.
func (s *PostgresStore) UpdateTask(ctx context.Context, taskID string, update models.TaskUpdate) error {
	set, args, err := buildUpdate(update)
	if err != nil {
		return err
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, taskID)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $%d`, strings.Join(set, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CASStatus implements Store. The status check and update happen in one
// statement; this is the serialization point for duplicate workers.
func (s *PostgresStore) CASStatus(ctx context.Context, taskID string, from, to models.TaskStatus, update models.TaskUpdate) (*models.Task, error) {
	update.Status = &to
	set, args, err := buildUpdate(update)
	if err != nil {
		return nil, err
	}
	args = append(args, taskID, from)
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`UPDATE tasks SET %s WHERE id = $%d AND status = $%d RETURNING `+taskColumns,
		strings.Join(set, ", "), len(args)-1, len(args)), args...)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Distinguish missing task from wrong status.
			if _, getErr := s.GetTask(ctx, taskID); getErr == nil {
				return nil, ErrWrongStatus
			}
			return nil, ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

// InsertAuditEntries implements Store using a single batched round trip.
func (s *PostgresStore) InsertAuditEntries(ctx context.Context, taskID string, entries []models.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO audit_trails (task_id, step, phase, actor, action, input, output, reasoning, tokens_used, cost)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			taskID, e.Step, e.Phase, e.Actor, e.Action, e.Input, e.Output, e.Reasoning, e.TokensUsed, e.Cost)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("inserting audit entries: %w", err)
		}
	}
	return nil
}

// GetUser implements Store.
func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, name, tier, subscription_status, daily_quota, daily_used,
			total_tasks, total_spent, created_at
		FROM users WHERE id = $1`, userID).Scan(
		&u.ID, &u.Email, &u.Name, &u.Tier, &u.SubscriptionStatus,
		&u.DailyQuota, &u.DailyUsed, &u.TotalTasks, &u.TotalSpent, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return &u, nil
}

// IncrementDailyUsed implements Store via the increment_daily_used stored
// procedure, which bumps the counter only while it is below the quota.
func (s *PostgresStore) IncrementDailyUsed(ctx context.Context, userID string) (int, error) {
	var used *int
	err := s.pool.QueryRow(ctx, `SELECT increment_daily_used($1)`, userID).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("incrementing daily quota: %w", err)
	}
	if used == nil {
		return 0, ErrQuotaExceeded
	}
	return *used, nil
}

// DecrementDailyUsed implements Store.
func (s *PostgresStore) DecrementDailyUsed(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `SELECT decrement_daily_used($1)`, userID); err != nil {
		return fmt.Errorf("decrementing daily quota: %w", err)
	}
	return nil
}

// ResetDailyUsage implements Store.
func (s *PostgresStore) ResetDailyUsage(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET daily_used = 0 WHERE daily_used > 0`)
	if err != nil {
		return 0, fmt.Errorf("resetting daily usage: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var collected, output []byte
	var processingState []byte
	err := row.Scan(&t.ID, &t.UserID, &t.Scene, &t.UserInput, &t.Status,
		&collected, &processingState, &output, &t.Cost, &t.Duration,
		&t.CreatedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	if len(collected) > 0 {
		if err := json.Unmarshal(collected, &t.CollectedInfo); err != nil {
			return nil, fmt.Errorf("decoding collected_info: %w", err)
		}
	}
	if len(processingState) > 0 {
		t.ProcessingState = json.RawMessage(processingState)
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &t.Output); err != nil {
			return nil, fmt.Errorf("decoding output: %w", err)
		}
	}
	return &t, nil
}

func marshalTaskJSON(collected map[string]any, output *models.Document) (collectedJSON, outputJSON []byte, err error) {
	if collected != nil {
		collectedJSON, err = json.Marshal(collected)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding collected_info: %w", err)
		}
	}
	if output != nil {
		outputJSON, err = json.Marshal(output)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding output: %w", err)
		}
	}
	return collectedJSON, outputJSON, nil
}

func nullableRaw(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// buildUpdate renders the SET clause for the non-nil fields of a
// TaskUpdate. Placeholders start at $1; callers append their own WHERE
// arguments after.
func buildUpdate(update models.TaskUpdate) ([]string, []any, error) {
	var set []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.CollectedInfo != nil {
		encoded, err := json.Marshal(update.CollectedInfo)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding collected_info: %w", err)
		}
		add("collected_info", encoded)
	}
	if update.ProcessingState != nil {
		add("processing_state", []byte(update.ProcessingState))
	}
	if update.Output != nil {
		encoded, err := json.Marshal(update.Output)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding output: %w", err)
		}
		add("output", encoded)
	}
	if update.Cost != nil {
		add("cost", *update.Cost)
	}
	if update.Duration != nil {
		add("duration", *update.Duration)
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}
	return set, args, nil
}

// Touch updates nothing but verifies connectivity; used by health checks.
func (s *PostgresStore) Touch(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
