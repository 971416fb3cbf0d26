package phases

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jexlab/jexagent/pkg/llm"
	"github.com/jexlab/jexagent/pkg/models"
	"github.com/jexlab/jexagent/pkg/textutil"
)

// Token budget for the review-mode draft.
const reviewDraftMaxTokens = 2000

// Stop reasons for the collaboration loop.
const (
	StopConverged     = "converged, no debate needed"
	StopNoNovelty     = "no novelty, views converged"
	StopMaxRounds     = "max rounds reached"
	StopQualityOK     = "quality acceptable"
	StopNoImprovement = "no further improvement needed"
)

const analysisPrompt = `%s

**Your role:** %s

Analyse the request above from your role's perspective. Be concrete and structured; state your key claims and the reasoning behind them.`

const rebuttalPrompt = `%s

**Your role:** %s

**The opposing view:**
%s

Respond to the opposing view from your role's perspective: rebut what you disagree with, concede what is right, and add anything new. Do not repeat points already made.`

const divergencePrompt = `You are a meta-cognitive AI comparing two analyses.

**Analysis from AI-A:**
%s

**Analysis from AI-B:**
%s

Decide whether the two views diverge significantly on points that matter for the final advice.

**Return a JSON object:**
{
  "has_significant_divergence": true,
  "divergence_points": ["point 1"],
  "reason": "why"
}

Return only JSON, nothing else.`

const noveltyPrompt = `You are a meta-cognitive AI checking a debate round for new information.

**Earlier rounds (condensed):**
%s

**This round, AI-A said:**
%s

**This round, AI-B said:**
%s

Decide whether this round added genuinely new points beyond the earlier rounds.

**Return a JSON object:**
{
  "has_novelty": false,
  "new_points": [],
  "reason": "why"
}

Return only JSON, nothing else.`

const reviewPrompt = `%s

**Your role:** %s

**The draft to review:**
%s

Review the draft. Do not rewrite it. List concrete issues and actionable suggestions, ordered by importance.`

const improvePrompt = `%s

**Your role:** %s

**Your previous draft:**
%s

**Reviewer feedback:**
%s

Rewrite the draft, addressing the feedback. Return only the improved draft.`

const improvementPrompt = `You are a meta-cognitive AI gating a review cycle.

**Current draft:**
%s

**Latest review:**
%s

Decide whether the draft still needs another improvement pass.

**Return a JSON object:**
{
  "needs_improvement": false,
  "severity": "low",
  "key_issues": [],
  "reason": "why"
}

Return only JSON, nothing else.`

// Collaborate is Phase 3: one round of debate- or review-mode
// collaboration. The engine re-enters it until ShouldStop is set.
func Collaborate(ctx context.Context, caller llm.Caller, state *models.PhaseState) (*models.Delta, error) {
	if state.Mode == models.ModeReview {
		return reviewRound(ctx, caller, state)
	}
	return debateRound(ctx, caller, state)
}

// debateRound runs one debate round. Round one has A and B analyse
// independently (in parallel) followed by a divergence check; later rounds
// have each rebut the other's prior output followed by a novelty check.
func debateRound(ctx context.Context, caller llm.Caller, state *models.PhaseState) (*models.Delta, error) {
	reqContext := buildCollaborationContext(state)

	var promptA, promptB, actionLabel string
	if state.CurrentRound == 0 {
		promptA = fmt.Sprintf(analysisPrompt, reqContext, state.RoleA)
		promptB = fmt.Sprintf(analysisPrompt, reqContext, state.RoleB)
		actionLabel = "independent analysis"
	} else {
		promptA = fmt.Sprintf(rebuttalPrompt, reqContext, state.RoleA, state.BOutput)
		promptB = fmt.Sprintf(rebuttalPrompt, reqContext, state.RoleB, state.AOutput)
		actionLabel = fmt.Sprintf("debate round %d", state.CurrentRound+1)
	}

	resultA, resultB, err := callBothSides(ctx, caller, promptA, promptB)
	if err != nil {
		return nil, err
	}

	round := state.CurrentRound + 1
	cost := resultA.Cost + resultB.Cost
	audit := []models.AuditEntry{
		debateAudit(models.ActorA, actionLabel, state.RoleA, resultA),
		debateAudit(models.ActorB, actionLabel, state.RoleB, resultB),
	}
	rounds := append(append([]models.DebateRound{}, state.DebateRounds...), models.DebateRound{
		Round: round,
		A:     resultA.Content,
		B:     resultB.Content,
	})

	stop := false
	var stopReason *string

	if state.CurrentRound == 0 {
		check, checkResult, err := checkDivergence(ctx, caller, resultA.Content, resultB.Content)
		if err != nil {
			return nil, err
		}
		rounds[len(rounds)-1].Divergence = check
		cost += checkResult.Cost
		audit = append(audit, models.AuditEntry{
			Phase:      auditCollaboration,
			Actor:      models.ActorMeta,
			Action:     "judge divergence",
			Input:      "compare AI-A and AI-B analyses",
			Output:     textutil.Snippet(checkResult.Content, 200),
			Reasoning:  check.Reason,
			TokensUsed: checkResult.Tokens.Total,
			Cost:       checkResult.Cost,
		})
		if !check.HasSignificantDivergence {
			stop = true
			stopReason = models.Ptr(StopConverged)
		}
	} else {
		check, checkResult, err := checkNovelty(ctx, caller, state.DebateRounds, resultA.Content, resultB.Content)
		if err != nil {
			return nil, err
		}
		rounds[len(rounds)-1].Novelty = check
		cost += checkResult.Cost
		audit = append(audit, models.AuditEntry{
			Phase:      auditCollaboration,
			Actor:      models.ActorMeta,
			Action:     "detect novelty",
			Input:      "compare this round against earlier rounds",
			Output:     textutil.Snippet(checkResult.Content, 200),
			Reasoning:  check.Reason,
			TokensUsed: checkResult.Tokens.Total,
			Cost:       checkResult.Cost,
		})
		switch {
		case !check.HasNovelty:
			stop = true
			stopReason = models.Ptr(StopNoNovelty)
		case round >= state.MaxRounds:
			stop = true
			stopReason = models.Ptr(StopMaxRounds)
		}
	}

	return &models.Delta{
		AOutput:      models.Ptr(resultA.Content),
		BOutput:      models.Ptr(resultB.Content),
		DebateRounds: rounds,
		CurrentRound: models.Ptr(round),
		ShouldStop:   models.Ptr(stop),
		StopReason:   stopReason,
		Audit:        audit,
		AddCost:      cost,
	}, nil
}

// reviewRound runs one review round: A drafts (or rewrites), B reviews,
// meta gates on whether another improvement pass is needed.
func reviewRound(ctx context.Context, caller llm.Caller, state *models.PhaseState) (*models.Delta, error) {
	reqContext := buildCollaborationContext(state)

	var draftPrompt string
	var draftOpts llm.ChatOptions
	var actionLabel string
	if state.CurrentRound == 0 {
		draftPrompt = fmt.Sprintf(analysisPrompt, reqContext, state.RoleA)
		draftOpts = llm.ChatOptions{Temperature: 0.7, MaxTokens: reviewDraftMaxTokens}
		actionLabel = "produce draft"
	} else {
		draftPrompt = fmt.Sprintf(improvePrompt, reqContext, state.RoleA, state.AOutput, state.BOutput)
		draftOpts = llm.ChatOptions{Temperature: 0.7, MaxTokens: reviewDraftMaxTokens}
		actionLabel = fmt.Sprintf("improve draft, round %d", state.CurrentRound+1)
	}

	draft, err := caller.Call(ctx, llm.RoleA, []llm.Message{llm.UserMessage(draftPrompt)}, draftOpts)
	if err != nil {
		return nil, fmt.Errorf("review draft: %w", err)
	}

	review, err := caller.Call(ctx, llm.RoleB,
		[]llm.Message{llm.UserMessage(fmt.Sprintf(reviewPrompt, reqContext, state.RoleB, draft.Content))},
		llm.ChatOptions{Temperature: 0.5})
	if err != nil {
		return nil, fmt.Errorf("review feedback: %w", err)
	}

	check, checkResult, err := checkImprovement(ctx, caller, draft.Content, review.Content)
	if err != nil {
		return nil, err
	}

	round := state.CurrentRound + 1
	rounds := append(append([]models.DebateRound{}, state.DebateRounds...), models.DebateRound{
		Round:       round,
		A:           draft.Content,
		B:           review.Content,
		Improvement: check,
	})

	stop := false
	var stopReason *string
	switch {
	case !check.NeedsImprovement:
		stop = true
		if round == 1 {
			stopReason = models.Ptr(StopQualityOK)
		} else {
			stopReason = models.Ptr(StopNoImprovement)
		}
	case round >= state.MaxRounds:
		stop = true
		stopReason = models.Ptr(StopMaxRounds)
	}

	audit := []models.AuditEntry{
		debateAudit(models.ActorA, actionLabel, state.RoleA, draft),
		debateAudit(models.ActorB, "review draft", state.RoleB, review),
		{
			Phase:      auditCollaboration,
			Actor:      models.ActorMeta,
			Action:     "gate improvement",
			Input:      "judge whether the draft needs another pass",
			Output:     textutil.Snippet(checkResult.Content, 200),
			Reasoning:  check.Reason,
			TokensUsed: checkResult.Tokens.Total,
			Cost:       checkResult.Cost,
		},
	}

	return &models.Delta{
		AOutput:      models.Ptr(draft.Content),
		BOutput:      models.Ptr(review.Content),
		DebateRounds: rounds,
		CurrentRound: models.Ptr(round),
		ShouldStop:   models.Ptr(stop),
		StopReason:   stopReason,
		Audit:        audit,
		AddCost:      draft.Cost + review.Cost + checkResult.Cost,
	}, nil
}

// callBothSides invokes A and B concurrently; neither depends on the other
// within a round.
func callBothSides(ctx context.Context, caller llm.Caller, promptA, promptB string) (resultA, resultB *llm.ChatResult, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resultA, err = caller.Call(gctx, llm.RoleA,
			[]llm.Message{llm.UserMessage(promptA)}, llm.ChatOptions{Temperature: 0.7})
		return err
	})
	g.Go(func() error {
		var err error
		resultB, err = caller.Call(gctx, llm.RoleB,
			[]llm.Message{llm.UserMessage(promptB)}, llm.ChatOptions{Temperature: 0.7})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("collaboration round: %w", err)
	}
	return resultA, resultB, nil
}

// checkDivergence asks meta whether the round-one analyses disagree on
// anything significant. Parse failures are conservative: assume divergence.
func checkDivergence(ctx context.Context, caller llm.Caller, aContent, bContent string) (*models.DivergenceCheck, *llm.ChatResult, error) {
	result, err := caller.Call(ctx, llm.RoleMeta,
		[]llm.Message{llm.UserMessage(fmt.Sprintf(divergencePrompt, aContent, bContent))},
		llm.ChatOptions{Temperature: 0.3})
	if err != nil {
		return nil, nil, fmt.Errorf("divergence check: %w", err)
	}
	check := &models.DivergenceCheck{HasSignificantDivergence: true, Reason: "unparseable verdict, assuming divergence"}
	_ = extractJSON(result.Content, check)
	return check, result, nil
}

// checkNovelty asks meta whether a later round contributed new points.
// Parse failures are conservative: assume no novelty so the loop ends.
func checkNovelty(ctx context.Context, caller llm.Caller, prior []models.DebateRound, aContent, bContent string) (*models.NoveltyCheck, *llm.ChatResult, error) {
	result, err := caller.Call(ctx, llm.RoleMeta,
		[]llm.Message{llm.UserMessage(fmt.Sprintf(noveltyPrompt, condenseRounds(prior), aContent, bContent))},
		llm.ChatOptions{Temperature: 0.3})
	if err != nil {
		return nil, nil, fmt.Errorf("novelty check: %w", err)
	}
	check := &models.NoveltyCheck{HasNovelty: false, Reason: "unparseable verdict, assuming no novelty"}
	_ = extractJSON(result.Content, check)
	return check, result, nil
}

// checkImprovement asks meta whether the draft needs another pass. Parse
// failures are conservative: assume no further improvement needed.
func checkImprovement(ctx context.Context, caller llm.Caller, draft, review string) (*models.ImprovementCheck, *llm.ChatResult, error) {
	result, err := caller.Call(ctx, llm.RoleMeta,
		[]llm.Message{llm.UserMessage(fmt.Sprintf(improvementPrompt, draft, review))},
		llm.ChatOptions{Temperature: 0.3})
	if err != nil {
		return nil, nil, fmt.Errorf("improvement check: %w", err)
	}
	check := &models.ImprovementCheck{NeedsImprovement: false, Reason: "unparseable verdict, accepting draft"}
	_ = extractJSON(result.Content, check)
	return check, result, nil
}

// buildCollaborationContext assembles the shared prompt preamble.
func buildCollaborationContext(state *models.PhaseState) string {
	info := map[string]any{
		"scene":          state.Scene,
		"user_input":     state.UserInput,
		"task_type":      state.TaskType,
		"provided_info":  state.ProvidedInfo,
		"collected_info": state.CollectedInfo,
	}
	return fmt.Sprintf("**The request:**\n%s", mustJSON(info))
}

// condenseRounds renders prior rounds as short snippets for the novelty
// prompt, keeping token usage bounded.
func condenseRounds(rounds []models.DebateRound) string {
	out := ""
	for _, r := range rounds {
		out += fmt.Sprintf("round %d:\nA: %s\nB: %s\n",
			r.Round, textutil.Snippet(r.A, 300), textutil.Snippet(r.B, 300))
	}
	if out == "" {
		return "(none)"
	}
	return out
}

func debateAudit(actor models.Actor, action, role string, result *llm.ChatResult) models.AuditEntry {
	return models.AuditEntry{
		Phase:      auditCollaboration,
		Actor:      actor,
		Action:     action,
		Input:      textutil.Snippet(fmt.Sprintf("role: %s", role), 200),
		Output:     textutil.Snippet(result.Content, 200),
		Reasoning:  "contribution from the assigned role perspective",
		TokensUsed: result.Tokens.Total,
		Cost:       result.Cost,
	}
}
