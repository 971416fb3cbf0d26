package phases

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jexlab/jexagent/pkg/llm"
	"github.com/jexlab/jexagent/pkg/models"
	"github.com/jexlab/jexagent/pkg/textutil"
)

const integrationPrompt = `**Scene:** %s

**User input:**
%s

**Collaboration mode:** %s

**AI-A final output:**
%s

**AI-B final output:**
%s

**Collaboration rounds (condensed):**
%s

**Your task:**
As the meta-cognitive AI, integrate everything above into one complete report.

**Return a JSON object with this structure:**
{
  "executive_summary": {
    "tldr": "one-sentence core conclusion",
    "key_actions": ["action 1", "action 2", "action 3"]
  },
  "certain_advice": {
    "title": "advice grounded in known information",
    "content": "detailed actionable advice (300-500 words, markdown)",
    "risks": ["risk 1", "risk 2"]
  },
  "hypothetical_advice": [
    {"condition": "if X", "suggestion": "then Y"}
  ],
  "divergences": [
    {
      "issue": "contested issue",
      "ai_a_view": "AI-A view", "ai_a_reason": "why",
      "ai_b_view": "AI-B view", "ai_b_reason": "why",
      "our_suggestion": "combined recommendation"
    }
  ],
  "hooks": {
    "satisfaction_check": "if the advice above misses the mark...",
    "missing_info_hint": ["what else would sharpen the analysis"]
  }
}

**Requirements:**
1. Keep the executive summary short and forceful.
2. Certain advice must be concrete and actionable.
3. Cover 2-3 plausible scenarios in hypothetical advice.
4. Only list divergences that genuinely matter; an empty array is fine.
5. Hooks should invite, never pressure.

Return only JSON, nothing else.`

// Integrate is Phase 5: produce the final structured report from the full
// collaboration context. Failures degrade to a fallback document built from
// the raw A/B outputs.
func Integrate(ctx context.Context, caller llm.Caller, state *models.PhaseState) *models.Delta {
	prompt := fmt.Sprintf(integrationPrompt,
		state.Scene, state.UserInput, state.Mode,
		state.AOutput, state.BOutput, condenseRounds(state.DebateRounds))

	result, err := caller.Call(ctx, llm.RoleMeta, []llm.Message{llm.UserMessage(prompt)},
		llm.ChatOptions{Temperature: 0.5, MaxTokens: 3000})
	if err != nil {
		slog.Warn("Integration call failed, building fallback report",
			"task_id", state.TaskID, "error", err)
		return &models.Delta{
			FinalOutput: FallbackDocument(state),
			Error:       models.Ptr(fmt.Sprintf("integration failed: %v", err)),
		}
	}

	var doc models.Document
	if err := extractJSON(result.Content, &doc); err != nil {
		slog.Warn("Integration response unparseable, building fallback report",
			"task_id", state.TaskID, "error", err)
		return &models.Delta{
			FinalOutput: FallbackDocument(state),
			Error:       models.Ptr(fmt.Sprintf("integration parse failed: %v", err)),
			AddCost:     result.Cost,
		}
	}

	audit := models.AuditEntry{
		Phase:      auditIntegration,
		Actor:      models.ActorMeta,
		Action:     "generate integrated report",
		Input:      fmt.Sprintf("integrating %d collaboration rounds", len(state.DebateRounds)),
		Output:     "produced the structured report",
		Reasoning:  "combined both perspectives into final advice",
		TokensUsed: result.Tokens.Total,
		Cost:       result.Cost,
	}

	// The audit summary covers everything up to and including this entry.
	doc.AuditSummary = BuildAuditSummary(append(append([]models.AuditEntry{}, state.AuditTrail...), audit))

	return &models.Delta{
		FinalOutput: &doc,
		Audit:       []models.AuditEntry{audit},
		AddCost:     result.Cost,
	}
}

// FallbackDocument builds a minimal report from the raw collaboration
// outputs when integration cannot produce a structured one.
func FallbackDocument(state *models.PhaseState) *models.Document {
	content := fmt.Sprintf("## Perspective A\n\n%s\n\n## Perspective B\n\n%s",
		state.AOutput, state.BOutput)
	return &models.Document{
		ExecutiveSummary: &models.ExecutiveSummary{
			TLDR: textutil.Snippet(state.AOutput, 160),
		},
		CertainAdvice: &models.CertainAdvice{
			Title:   "Raw collaboration output",
			Content: content,
		},
		AuditSummary: BuildAuditSummary(state.AuditTrail),
	}
}
