// Package phases implements the six pipeline phase functions. Each one
// reads the current PhaseState, calls the upstream manager, and returns a
// Delta; none mutate shared state. Prompt templates are opaque to the rest
// of the system.
package phases

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jexlab/jexagent/pkg/models"
	"github.com/jexlab/jexagent/pkg/textutil"
)

// Phase names used by the pipeline engine and audit trail.
const (
	PhaseEvaluate        = "evaluate"
	PhaseGenerateInquiry = "generate_inquiry"
	PhaseProcessAnswers  = "process_answers"
	PhasePlanning        = "planning"
	PhaseDebate          = "debate_collaborate"
	PhaseReview          = "review_collaborate"
	PhaseIntegrate       = "integrate"
)

// Audit phase labels (human-facing, grouped in the report summary).
const (
	auditEvaluation    = "evaluation"
	auditInquiry       = "inquiry"
	auditPlanning      = "planning"
	auditCollaboration = "collaboration"
	auditIntegration   = "integration"
)

// extractJSON returns the first-to-last-brace substring of content and
// unmarshals it into v. Models routinely wrap JSON in chatter or code
// fences; this mirrors the greedy brace match the checkers expect.
func extractJSON(content string, v any) error {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in model output")
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), v); err != nil {
		return fmt.Errorf("parsing model JSON: %w", err)
	}
	return nil
}

// mustJSON renders v for prompt embedding; errors collapse to "{}" since
// prompt inputs are always marshalable maps and slices.
func mustJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// BuildAuditSummary groups the audit trail by phase with actor, action and
// a reasoning snippet per entry. Attached to the final document.
func BuildAuditSummary(trail []models.AuditEntry) []models.AuditPhaseSummary {
	var summary []models.AuditPhaseSummary
	index := map[string]int{}
	for _, entry := range trail {
		i, ok := index[entry.Phase]
		if !ok {
			i = len(summary)
			index[entry.Phase] = i
			summary = append(summary, models.AuditPhaseSummary{Phase: entry.Phase})
		}
		summary[i].Entries = append(summary[i].Entries, models.AuditEntryDigest{
			Actor:     entry.Actor,
			Action:    entry.Action,
			Reasoning: textutil.Snippet(entry.Reasoning, 120),
		})
	}
	return summary
}
