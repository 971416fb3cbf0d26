// Package models defines the shared domain types: tasks, phase state,
// audit records, progress events, and the final report document.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

// Task lifecycle statuses. Transitions between the non-terminal statuses are
// compare-and-swap atomic at the store layer.
const (
	StatusInquiring          TaskStatus = "inquiring"
	StatusReadyForProcessing TaskStatus = "ready_for_processing"
	StatusProcessing         TaskStatus = "processing"
	StatusCompleted          TaskStatus = "completed"
	StatusFailed             TaskStatus = "failed"
)

// Terminal reports whether the status ends the task lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is the persistent task record.
type Task struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Scene         string         `json:"scene"`
	UserInput     string         `json:"user_input"`
	Status        TaskStatus     `json:"status"`
	CollectedInfo map[string]any `json:"collected_info,omitempty"`
	// ProcessingState is the serialized PhaseState handed from the
	// foreground prelude to the background worker.
	ProcessingState json.RawMessage `json:"processing_state,omitempty"`
	Output          *Document       `json:"output,omitempty"`
	Cost            float64         `json:"cost"`
	Duration        int             `json:"duration"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// TaskUpdate carries a partial update to a task row. Nil fields are left
// untouched.
type TaskUpdate struct {
	Status          *TaskStatus
	CollectedInfo   map[string]any
	ProcessingState json.RawMessage
	Output          *Document
	Cost            *float64
	Duration        *int
	CompletedAt     *time.Time
}

// TaskList is a paginated slice of tasks.
type TaskList struct {
	Tasks   []*Task `json:"tasks"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
	HasMore bool    `json:"has_more"`
}

// User is the persistent user record backing quota accounting.
type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	Name               string    `json:"name"`
	Tier               string    `json:"tier"`
	SubscriptionStatus string    `json:"subscription_status"`
	DailyQuota         int       `json:"daily_quota"`
	DailyUsed          int       `json:"daily_used"`
	TotalTasks         int       `json:"total_tasks"`
	TotalSpent         float64   `json:"total_spent"`
	CreatedAt          time.Time `json:"created_at"`
}
