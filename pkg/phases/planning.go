package phases

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jexlab/jexagent/pkg/llm"
	"github.com/jexlab/jexagent/pkg/models"
	"github.com/jexlab/jexagent/pkg/textutil"
)

const planningPrompt = `You are a meta-cognitive AI that plans a multi-AI collaboration strategy.

**Complete information:**
%s

**Your task:**
Pick the best collaboration strategy for this request.

**Collaboration modes:**
1. **debate** - for contested, trade-off heavy decisions.
   AI-A and AI-B analyse from different perspectives; large divergence starts a debate.
   Fits: topic feasibility, strategy decisions, risk assessment.
2. **review** - for content creation and plan refinement.
   AI-A drafts, AI-B reviews, AI-A improves on the feedback.
   Fits: writing, copy polishing, code review.

**Return a JSON object:**
{
  "task_type": "specific task type",
  "collaboration_mode": "debate or review",
  "ai_a_role": "AI-A role definition and task",
  "ai_b_role": "AI-B role definition and task",
  "max_rounds": 3,
  "reasoning": "why this strategy"
}

**Notes:**
- AI-A usually owns depth, expertise and long-term value.
- AI-B usually owns practicality, reach and short-term effect.

Return only JSON, nothing else.`

type planningResponse struct {
	TaskType          string `json:"task_type"`
	CollaborationMode string `json:"collaboration_mode"`
	AIARole           string `json:"ai_a_role"`
	AIBRole           string `json:"ai_b_role"`
	MaxRounds         int    `json:"max_rounds"`
	Reasoning         string `json:"reasoning"`
}

// Default plan used when the planner fails or returns garbage.
func defaultPlan() planningResponse {
	return planningResponse{
		TaskType:          "general analysis",
		CollaborationMode: string(models.ModeDebate),
		AIARole:           "analyse from a depth and professionalism angle",
		AIBRole:           "analyse from a practical and operational angle",
		MaxRounds:         3,
	}
}

// Plan is Phase 2: decide task type, collaboration mode, roles and round
// budget from the consolidated information. Errors degrade to the default
// debate plan rather than failing the task.
func Plan(ctx context.Context, caller llm.Caller, state *models.PhaseState) *models.Delta {
	complete := map[string]any{
		"user_input":     state.UserInput,
		"scene":          state.Scene,
		"provided_info":  state.ProvidedInfo,
		"collected_info": state.CollectedInfo,
	}
	prompt := fmt.Sprintf(planningPrompt, mustJSON(complete))

	result, err := caller.Call(ctx, llm.RoleMeta, []llm.Message{llm.UserMessage(prompt)},
		llm.ChatOptions{Temperature: 0.4})
	if err != nil {
		slog.Warn("Planning call failed, using default strategy",
			"task_id", state.TaskID, "error", err)
		return planDelta(defaultPlan(), nil, 0,
			models.Ptr(fmt.Sprintf("planning failed: %v, using default strategy", err)))
	}

	plan := defaultPlan()
	if err := extractJSON(result.Content, &plan); err != nil {
		slog.Warn("Planning response unparseable, using default strategy",
			"task_id", state.TaskID, "error", err)
		delta := planDelta(defaultPlan(), nil, result.Cost,
			models.Ptr(fmt.Sprintf("planning parse failed: %v, using default strategy", err)))
		return delta
	}
	plan = normalizePlan(plan)

	audit := []models.AuditEntry{{
		Phase:      auditPlanning,
		Actor:      models.ActorMeta,
		Action:     "plan collaboration strategy",
		Input:      fmt.Sprintf("scene: %s", state.Scene),
		Output:     textutil.Snippet(result.Content, 200),
		Reasoning:  plan.Reasoning,
		TokensUsed: result.Tokens.Total,
		Cost:       result.Cost,
	}}
	return planDelta(plan, audit, result.Cost, nil)
}

// normalizePlan enforces valid mode and round bounds on planner output.
func normalizePlan(plan planningResponse) planningResponse {
	if plan.CollaborationMode != string(models.ModeReview) {
		plan.CollaborationMode = string(models.ModeDebate)
	}
	if plan.MaxRounds < 1 {
		plan.MaxRounds = 3
	}
	if plan.MaxRounds > models.MaxCollaborationRounds {
		plan.MaxRounds = models.MaxCollaborationRounds
	}
	def := defaultPlan()
	if plan.TaskType == "" {
		plan.TaskType = def.TaskType
	}
	if plan.AIARole == "" {
		plan.AIARole = def.AIARole
	}
	if plan.AIBRole == "" {
		plan.AIBRole = def.AIBRole
	}
	return plan
}

func planDelta(plan planningResponse, audit []models.AuditEntry, cost float64, errMsg *string) *models.Delta {
	return &models.Delta{
		TaskType:     models.Ptr(plan.TaskType),
		Mode:         models.Ptr(models.CollaborationMode(plan.CollaborationMode)),
		RoleA:        models.Ptr(plan.AIARole),
		RoleB:        models.Ptr(plan.AIBRole),
		MaxRounds:    models.Ptr(plan.MaxRounds),
		CurrentRound: models.Ptr(0),
		Error:        errMsg,
		Audit:        audit,
		AddCost:      cost,
	}
}
