package phases

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jexlab/jexagent/pkg/llm"
	"github.com/jexlab/jexagent/pkg/models"
	"github.com/jexlab/jexagent/pkg/textutil"
)

const evaluatePrompt = `You are a meta-cognitive AI that judges whether the user has provided enough information.

**Scene:** %s

**User input:**
%s

**Your task:**
1. List what the user has already provided.
2. For the scene above, identify which *critical* information is still missing.
3. Decide whether the user must be asked follow-up questions.

**Criteria:**
- If missing information would make any advice completely wrong or worthless, inquiry is required.
- If missing information merely reduces precision, proceed with assumptions instead of asking.
- Favour user experience; never over-ask.

**Return a JSON object:**
{
  "provided_info": {"key": "what the user said"},
  "missing_critical_info": ["missing item 1", "missing item 2"],
  "info_sufficiency": 0.7,
  "need_inquiry": true,
  "reason": "why"
}

Return only JSON, nothing else.`

type evaluationResponse struct {
	ProvidedInfo        map[string]any `json:"provided_info"`
	MissingCriticalInfo []string       `json:"missing_critical_info"`
	InfoSufficiency     float64        `json:"info_sufficiency"`
	NeedInquiry         bool           `json:"need_inquiry"`
	Reason              string         `json:"reason"`
}

// Evaluate is Phase 0: assess information sufficiency and decide whether to
// inquire. Failures never propagate; the conservative default is to ask.
func Evaluate(ctx context.Context, caller llm.Caller, state *models.PhaseState) *models.Delta {
	prompt := fmt.Sprintf(evaluatePrompt, state.Scene, state.UserInput)

	result, err := caller.Call(ctx, llm.RoleMeta, []llm.Message{llm.UserMessage(prompt)},
		llm.ChatOptions{Temperature: 0.3})
	if err != nil {
		slog.Warn("Evaluation call failed, defaulting to inquiry",
			"task_id", state.TaskID, "error", err)
		return evaluateFallback(fmt.Sprintf("evaluation failed: %v", err))
	}

	var eval evaluationResponse
	if err := extractJSON(result.Content, &eval); err != nil {
		slog.Warn("Evaluation response unparseable, defaulting to inquiry",
			"task_id", state.TaskID, "error", err)
		delta := evaluateFallback(fmt.Sprintf("evaluation parse failed: %v", err))
		delta.AddCost = result.Cost
		return delta
	}

	return &models.Delta{
		NeedInquiry:     models.Ptr(eval.NeedInquiry),
		ProvidedInfo:    eval.ProvidedInfo,
		MissingInfo:     eval.MissingCriticalInfo,
		InfoSufficiency: models.Ptr(eval.InfoSufficiency),
		Audit: []models.AuditEntry{{
			Phase:      auditEvaluation,
			Actor:      models.ActorMeta,
			Action:     "assess information sufficiency",
			Input:      textutil.Snippet(state.UserInput, 200),
			Output:     textutil.Snippet(result.Content, 200),
			Reasoning:  eval.Reason,
			TokensUsed: result.Tokens.Total,
			Cost:       result.Cost,
		}},
		AddCost: result.Cost,
	}
}

// evaluateFallback records the error and forces the inquiry branch with a
// marker missing-info entry.
func evaluateFallback(errMsg string) *models.Delta {
	return &models.Delta{
		NeedInquiry:     models.Ptr(true),
		MissingInfo:     []string{"could not assess automatically, additional detail needed"},
		InfoSufficiency: models.Ptr(0.3),
		Error:           models.Ptr(errMsg),
	}
}
