package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/jexlab/jexagent/pkg/models"
)

// MemoryStore is a mutex-guarded in-memory Store for tests and single-node
// development. CAS semantics match the Postgres implementation.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
	audit map[string][]models.AuditEntry
	users map[string]*models.User
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*models.Task),
		audit: make(map[string][]models.AuditEntry),
		users: make(map[string]*models.User),
	}
}

// PutUser seeds a user row.
func (s *MemoryStore) PutUser(user *models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = cloneUser(user)
}

// AuditEntries returns the inserted audit rows for a task.
func (s *MemoryStore) AuditEntries(taskID string) []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEntry{}, s.audit[taskID]...)
}

// CreateTask implements Store.
func (s *MemoryStore) CreateTask(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetTask implements Store.
func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

// ListTasks implements Store.
func (s *MemoryStore) ListTasks(_ context.Context, userID string, limit, offset int) (*models.TaskList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := []*models.Task{}
	for _, task := range s.tasks {
		if task.UserID == userID {
			owned = append(owned, cloneTask(task))
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	total := len(owned)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return &models.TaskList{
		Tasks:   owned[offset:end],
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: total > offset+limit,
	}, nil
}

// UpdateTask implements Store.
func (s *MemoryStore) UpdateTask(_ context.Context, taskID string, update models.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	applyUpdate(task, update)
	return nil
}

// CASStatus implements Store.
func (s *MemoryStore) CASStatus(_ context.Context, taskID string, from, to models.TaskStatus, update models.TaskUpdate) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if task.Status != from {
		return nil, ErrWrongStatus
	}
	task.Status = to
	applyUpdate(task, update)
	return cloneTask(task), nil
}

// InsertAuditEntries implements Store.
func (s *MemoryStore) InsertAuditEntries(_ context.Context, taskID string, entries []models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit[taskID] = append(s.audit[taskID], entries...)
	return nil
}

// GetUser implements Store.
func (s *MemoryStore) GetUser(_ context.Context, userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(user), nil
}

// IncrementDailyUsed implements Store.
func (s *MemoryStore) IncrementDailyUsed(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return 0, ErrNotFound
	}
	if user.DailyUsed >= user.DailyQuota {
		return 0, ErrQuotaExceeded
	}
	user.DailyUsed++
	return user.DailyUsed, nil
}

// DecrementDailyUsed implements Store.
func (s *MemoryStore) DecrementDailyUsed(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if user.DailyUsed > 0 {
		user.DailyUsed--
	}
	return nil
}

// ResetDailyUsage implements Store.
func (s *MemoryStore) ResetDailyUsage(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reset := 0
	for _, user := range s.users {
		if user.DailyUsed > 0 {
			user.DailyUsed = 0
			reset++
		}
	}
	return reset, nil
}

func applyUpdate(task *models.Task, update models.TaskUpdate) {
	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.CollectedInfo != nil {
		task.CollectedInfo = update.CollectedInfo
	}
	if update.ProcessingState != nil {
		task.ProcessingState = append(json.RawMessage{}, update.ProcessingState...)
	}
	if update.Output != nil {
		task.Output = update.Output
	}
	if update.Cost != nil {
		task.Cost = *update.Cost
	}
	if update.Duration != nil {
		task.Duration = *update.Duration
	}
	if update.CompletedAt != nil {
		task.CompletedAt = update.CompletedAt
	}
}

func cloneTask(task *models.Task) *models.Task {
	copied := *task
	if task.ProcessingState != nil {
		copied.ProcessingState = append(json.RawMessage{}, task.ProcessingState...)
	}
	if task.CollectedInfo != nil {
		copied.CollectedInfo = make(map[string]any, len(task.CollectedInfo))
		for k, v := range task.CollectedInfo {
			copied.CollectedInfo[k] = v
		}
	}
	return &copied
}

func cloneUser(user *models.User) *models.User {
	copied := *user
	return &copied
}
