// Package runtime implements the task lifecycle: foreground create and
// answer submission, compare-and-swap status transitions, and the
// background processing routine with locking, progress fan-out and
// cancellation.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jexlab/jexagent/pkg/config"
	"github.com/jexlab/jexagent/pkg/llm"
	"github.com/jexlab/jexagent/pkg/locking"
	"github.com/jexlab/jexagent/pkg/models"
	"github.com/jexlab/jexagent/pkg/phases"
	"github.com/jexlab/jexagent/pkg/pipeline"
	"github.com/jexlab/jexagent/pkg/progress"
	"github.com/jexlab/jexagent/pkg/quota"
	"github.com/jexlab/jexagent/pkg/store"
)

// Default time estimate returned to clients, in seconds.
const estimatedTimeSeconds = 60

// Service errors surfaced to the API layer.
var (
	// ErrAlreadyProcessed is returned when a status CAS loses to another
	// worker or a repeated submission.
	ErrAlreadyProcessed = errors.New("task already processed or in wrong status")
	// ErrBudgetExceeded is returned when a task burns past its cost
	// ceiling mid-collaboration.
	ErrBudgetExceeded = errors.New("task cost budget exceeded")
)

// CreateResult is the outcome of task creation.
type CreateResult struct {
	TaskID           string                   `json:"task_id"`
	Status           models.TaskStatus        `json:"status"`
	NeedInquiry      bool                     `json:"need_inquiry"`
	InquiryQuestions []string                 `json:"inquiry_questions,omitempty"`
	InquiryDetails   []models.InquiryQuestion `json:"inquiry_details,omitempty"`
	InfoSufficiency  float64                  `json:"info_sufficiency,omitempty"`
	Intermediate     *IntermediateState       `json:"intermediate_state,omitempty"`
	EstimatedTime    int                      `json:"estimated_time,omitempty"`
}

// AnswersResult is the outcome of answer submission.
type AnswersResult struct {
	TaskID        string            `json:"task_id"`
	Status        models.TaskStatus `json:"status"`
	CollectedInfo map[string]any    `json:"collected_info"`
	EstimatedTime int               `json:"estimated_time"`
}

// StartResult is the outcome of a start-processing request.
type StartResult struct {
	TaskID  string            `json:"task_id"`
	Status  models.TaskStatus `json:"status"`
	Message string            `json:"message"`
}

// Service is the process-wide task runtime.
type Service struct {
	store  store.Store
	caller llm.Caller
	engine *pipeline.Engine
	broker progress.Broker
	locker locking.TaskLocker
	gate   *quota.Gate
	cfg    *config.Config

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires the task runtime.
func NewService(
	s store.Store,
	caller llm.Caller,
	broker progress.Broker,
	locker locking.TaskLocker,
	gate *quota.Gate,
	cfg *config.Config,
) *Service {
	return &Service{
		store:  s,
		caller: caller,
		engine: pipeline.New(caller),
		broker: broker,
		locker: locker,
		gate:   gate,
		cfg:    cfg,
		active: make(map[string]context.CancelFunc),
	}
}

// CreateTask reserves quota, inserts the task row, runs the foreground
// prelude (evaluate, and inquiry generation when needed), and either
// returns questions or hands off to the background worker. Any failure
// after the quota reservation rolls it back.
func (s *Service) CreateTask(ctx context.Context, userID, scene, userInput string) (*CreateResult, error) {
	if err := s.gate.Reserve(ctx, userID); err != nil {
		return nil, err
	}

	result, err := s.createTask(ctx, userID, scene, userInput)
	if err != nil {
		s.gate.Rollback(ctx, userID)
		return nil, err
	}
	return result, nil
}

func (s *Service) createTask(ctx context.Context, userID, scene, userInput string) (*CreateResult, error) {
	taskID := uuid.New().String()
	log := slog.With("task_id", taskID, "user_id", userID)

	task := &models.Task{
		ID:        taskID,
		UserID:    userID,
		Scene:     scene,
		UserInput: userInput,
		Status:    models.StatusInquiring,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	state := &models.PhaseState{
		TaskID:    taskID,
		UserID:    userID,
		Scene:     scene,
		UserInput: userInput,
	}

	stopped, err := s.engine.Run(ctx, state, pipeline.RunOptions{
		StopBefore: map[string]bool{phases.PhasePlanning: true},
	})
	if err != nil {
		s.markFailed(taskID, err)
		return nil, fmt.Errorf("foreground prelude: %w", err)
	}

	if stopped == pipeline.End && state.NeedInquiry {
		// Inquiry branch: questions go back to the user along with the
		// whitelisted intermediate state; the row stays inquiring.
		if err := s.store.UpdateTask(ctx, taskID, models.TaskUpdate{Cost: models.Ptr(state.TotalCost)}); err != nil {
			log.Warn("Failed to persist prelude cost", "error", err)
		}
		log.Info("Task awaiting inquiry answers", "questions", len(state.InquiryQuestions))
		return &CreateResult{
			TaskID:           taskID,
			Status:           models.StatusInquiring,
			NeedInquiry:      true,
			InquiryQuestions: state.InquiryQuestions,
			InquiryDetails:   state.InquiryDetails,
			InfoSufficiency:  state.InfoSufficiency,
			Intermediate: &IntermediateState{
				ProvidedInfo: state.ProvidedInfo,
				MissingInfo:  state.MissingInfo,
				AuditTrail:   state.AuditTrail,
				TotalCost:    state.TotalCost,
			},
		}, nil
	}

	// Direct-processing branch: information is sufficient, go straight to
	// the background pipeline.
	processing := models.StatusProcessing
	if err := s.store.UpdateTask(ctx, taskID, models.TaskUpdate{
		Status: &processing,
		Cost:   models.Ptr(state.TotalCost),
	}); err != nil {
		s.markFailed(taskID, err)
		return nil, fmt.Errorf("transitioning to processing: %w", err)
	}

	s.startBackground(taskID, state)
	log.Info("Task handed off to background worker")

	return &CreateResult{
		TaskID:        taskID,
		Status:        models.StatusProcessing,
		NeedInquiry:   false,
		EstimatedTime: estimatedTimeSeconds,
	}, nil
}

// SubmitAnswers validates the client-echoed intermediate state, rebuilds
// the authoritative phase state, runs answer processing, and CASes the task
// to ready_for_processing. The background job starts later, via
// StartProcessing.
func (s *Service) SubmitAnswers(ctx context.Context, taskID string, answers map[int]string, rawState json.RawMessage) (*AnswersResult, error) {
	intermediate, err := ParseIntermediateState(rawState, s.cfg.StateCostCeiling)
	if err != nil {
		return nil, err
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	state := rebuildState(task, intermediate)

	delta, err := phases.ProcessAnswers(ctx, s.caller, state, answers)
	if err != nil {
		s.markFailed(taskID, err)
		return nil, fmt.Errorf("submitting answers: %w", err)
	}
	state.Apply(delta)

	serialized, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("serializing processing state: %w", err)
	}

	if _, err := s.store.CASStatus(ctx, taskID,
		models.StatusInquiring, models.StatusReadyForProcessing,
		models.TaskUpdate{
			CollectedInfo:   state.CollectedInfo,
			ProcessingState: serialized,
			Cost:            models.Ptr(state.TotalCost),
		}); err != nil {
		if errors.Is(err, store.ErrWrongStatus) {
			return nil, ErrAlreadyProcessed
		}
		return nil, fmt.Errorf("persisting answers: %w", err)
	}

	slog.Info("Answers submitted", "task_id", taskID, "answers", len(answers))
	return &AnswersResult{
		TaskID:        taskID,
		Status:        models.StatusReadyForProcessing,
		CollectedInfo: state.CollectedInfo,
		EstimatedTime: estimatedTimeSeconds,
	}, nil
}

// StartProcessing CASes ready_for_processing->processing and launches the
// background job. Idempotent against repeats: a task already processing or
// completed reports its current status instead of failing.
func (s *Service) StartProcessing(ctx context.Context, taskID string) (*StartResult, error) {
	task, err := s.store.CASStatus(ctx, taskID,
		models.StatusReadyForProcessing, models.StatusProcessing, models.TaskUpdate{})
	if err != nil {
		if errors.Is(err, store.ErrWrongStatus) {
			current, getErr := s.store.GetTask(ctx, taskID)
			if getErr != nil {
				return nil, getErr
			}
			switch current.Status {
			case models.StatusProcessing, models.StatusCompleted:
				return &StartResult{
					TaskID:  taskID,
					Status:  current.Status,
					Message: fmt.Sprintf("task already %s", current.Status),
				}, nil
			default:
				return nil, ErrAlreadyProcessed
			}
		}
		return nil, err
	}

	var state models.PhaseState
	if err := json.Unmarshal(task.ProcessingState, &state); err != nil {
		s.markFailed(taskID, fmt.Errorf("corrupt processing state: %w", err))
		return nil, fmt.Errorf("decoding processing state: %w", err)
	}

	s.startBackground(taskID, &state)
	return &StartResult{
		TaskID:  taskID,
		Status:  models.StatusProcessing,
		Message: "background processing started",
	}, nil
}

// GetTask returns the task row.
func (s *Service) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// ListTasks returns the user's tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, userID string, limit, offset int) (*models.TaskList, error) {
	return s.store.ListTasks(ctx, userID, limit, offset)
}

// Cancel cancels a running background job. Returns false when no job for
// the task is active in this process.
func (s *Service) Cancel(taskID string) bool {
	s.mu.Lock()
	cancel, ok := s.active[taskID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveCount reports how many background jobs this process is running.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Wait blocks until all background jobs finish. Used by shutdown and tests.
func (s *Service) Wait() {
	s.wg.Wait()
}

// startBackground acquires the task lock and spawns the background job. If
// the lock is held elsewhere the call returns silently; another worker owns
// the task.
func (s *Service) startBackground(taskID string, state *models.PhaseState) {
	acquired, err := s.locker.Acquire(context.Background(), taskID, s.cfg.TaskLockTTL)
	if err != nil {
		slog.Error("Task lock acquisition failed", "task_id", taskID, "error", err)
		return
	}
	if !acquired {
		slog.Warn("Task already locked by another worker", "task_id", taskID)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.active[taskID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finishBackground(taskID, cancel)
		err := s.processTask(ctx, taskID, state)
		s.logOutcome(taskID, err)
	}()
}

// finishBackground releases the lock and deregisters the job on every exit
// path, including panics (which are logged with the full stack and mark the
// task failed).
func (s *Service) finishBackground(taskID string, cancel context.CancelFunc) {
	if r := recover(); r != nil {
		slog.Error("Background task panicked", "task_id", taskID, "panic", r, "stack", string(debug.Stack()))
		s.markFailed(taskID, fmt.Errorf("panic: %v", r))
	}

	cancel()
	s.mu.Lock()
	delete(s.active, taskID)
	s.mu.Unlock()

	if err := s.locker.Release(context.Background(), taskID); err != nil {
		slog.Error("Task lock release failed", "task_id", taskID, "error", err)
	}
}

// logOutcome is the done-callback: cancellation is logged as such, errors
// with their chain; neither is swallowed silently.
func (s *Service) logOutcome(taskID string, err error) {
	switch {
	case err == nil:
		slog.Info("Background task complete", "task_id", taskID)
	case errors.Is(err, context.Canceled):
		slog.Warn("Background task cancelled", "task_id", taskID)
	default:
		slog.Error("Background task failed", "task_id", taskID, "error", err)
	}
}

// markFailed transitions a task to failed with the error recorded in the
// output document. Uses a fresh context; the task context may be dead.
func (s *Service) markFailed(taskID string, cause error) {
	failed := models.StatusFailed
	err := s.store.UpdateTask(context.Background(), taskID, models.TaskUpdate{
		Status: &failed,
		Output: &models.Document{Error: cause.Error()},
	})
	if err != nil {
		slog.Error("Failed to mark task failed", "task_id", taskID, "error", err)
	}
}
