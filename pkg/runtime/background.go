package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jexlab/jexagent/pkg/models"
	"github.com/jexlab/jexagent/pkg/phases"
	"github.com/jexlab/jexagent/pkg/pipeline"
	"github.com/jexlab/jexagent/pkg/progress"
	"github.com/jexlab/jexagent/pkg/textutil"
)

// Emitted AI messages are truncated to this many bytes on a code-point
// boundary.
const aiMessageMaxBytes = 500

// processTask is the background routine: phases 2-5 with progress fan-out,
// terminal persistence, completion emission and bulk audit insert. Errors
// (other than cancellation) mark the task failed and emit an error event
// before propagating to the done-callback.
func (s *Service) processTask(ctx context.Context, taskID string, state *models.PhaseState) error {
	log := slog.With("task_id", taskID)
	log.Info("Background processing started")

	err := s.runPipeline(ctx, taskID, state, log)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		// Cancelled tasks keep their status; no failure, no error event.
		return err
	}

	s.markFailed(taskID, err)
	s.broker.EmitError(context.Background(), taskID, err.Error())
	return err
}

func (s *Service) runPipeline(ctx context.Context, taskID string, state *models.PhaseState, log *slog.Logger) error {
	// Give the client a moment to attach before events start flowing; all
	// emissions are buffered regardless, so a timeout is not fatal.
	if s.broker.WaitForSubscriber(ctx, taskID, s.cfg.SubscriberWait) {
		log.Info("Subscriber attached")
	} else {
		log.Warn("No subscriber within wait window, proceeding with buffered progress")
	}

	// Phase 2 — planning.
	s.emitProgress(ctx, taskID, state, progress.PhasePlanning, 0.0, "planning the collaboration strategy...")
	node, err := s.engine.Run(ctx, state, pipeline.RunOptions{
		From: phases.PhasePlanning,
		StopBefore: map[string]bool{
			phases.PhaseDebate: true,
			phases.PhaseReview: true,
		},
	})
	if err != nil {
		return err
	}

	// Phase 3 — collaboration loop; the engine's edges own the stop and
	// hard-cap decisions.
	modeLabel := "debate"
	if state.Mode == models.ModeReview {
		modeLabel = "review"
	}
	s.emitProgress(ctx, taskID, state, progress.PhaseCollaboration, 0.0,
		fmt.Sprintf("multi-AI %s mode starting...", modeLabel))

	for node != pipeline.End {
		node, err = s.engine.Step(ctx, node, state)
		if err != nil {
			return err
		}

		if state.AOutput != "" {
			s.broker.EmitAIMessage(ctx, taskID, s.actorName("A"),
				textutil.TruncateUTF8(state.AOutput, aiMessageMaxBytes))
		}
		if state.BOutput != "" {
			s.broker.EmitAIMessage(ctx, taskID, s.actorName("B"),
				textutil.TruncateUTF8(state.BOutput, aiMessageMaxBytes))
		}

		fraction := float64(state.CurrentRound) / float64(models.MaxCollaborationRounds)
		s.emitProgress(ctx, taskID, state, progress.PhaseCollaboration, fraction,
			fmt.Sprintf("collaboration round %d complete", state.CurrentRound))

		if state.TotalCost > s.cfg.MaxCostPerTask {
			return fmt.Errorf("%w: %.4f > %.4f", ErrBudgetExceeded, state.TotalCost, s.cfg.MaxCostPerTask)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	// Phase 5 — integration.
	s.emitProgress(ctx, taskID, state, progress.PhaseIntegration, 0.5, "generating the integrated report...")
	state.Apply(phases.Integrate(ctx, s.caller, state))

	s.emitProgressRaw(ctx, taskID, state, "complete", 100, "analysis complete")

	// Persist the terminal row before the completion event so a client
	// reacting to the event reads consistent data.
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading task for completion: %w", err)
	}
	now := time.Now().UTC()
	duration := int(now.Sub(task.CreatedAt).Seconds())
	completed := models.StatusCompleted
	if err := s.store.UpdateTask(ctx, taskID, models.TaskUpdate{
		Status:      &completed,
		Output:      state.FinalOutput,
		Cost:        models.Ptr(state.TotalCost),
		Duration:    &duration,
		CompletedAt: &now,
	}); err != nil {
		return fmt.Errorf("persisting completion: %w", err)
	}
	log.Info("Task completed", "cost", state.TotalCost, "duration_s", duration)

	s.broker.EmitComplete(ctx, taskID, state.FinalOutput)

	// Audit rows go in last, in one round trip. A failure here leaves the
	// task completed with a missing trail: degraded, alert only.
	if err := s.store.InsertAuditEntries(context.Background(), taskID, state.AuditTrail); err != nil {
		log.Error("Audit trail insert failed after completion", "error", err)
	}

	return nil
}

// emitProgress computes the overall percentage for (phase, fraction) and
// emits the monotonic maximum against the task's last progress.
func (s *Service) emitProgress(ctx context.Context, taskID string, state *models.PhaseState, phase string, fraction float64, message string) {
	value := progress.Compute(phase, fraction)
	s.emitProgressRaw(ctx, taskID, state, phase, value, message)
}

func (s *Service) emitProgressRaw(ctx context.Context, taskID string, state *models.PhaseState, phase string, value int, message string) {
	if value < state.LastProgress {
		value = state.LastProgress
	}
	state.LastProgress = value
	s.broker.EmitProgress(ctx, taskID, phase, value, message)
}

// actorName maps a logical role to its display name for AI message events.
func (s *Service) actorName(role string) string {
	switch role {
	case "A":
		return s.cfg.AName
	case "B":
		return s.cfg.BName
	default:
		return s.cfg.MetaName
	}
}
