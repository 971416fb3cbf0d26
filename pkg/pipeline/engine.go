// Package pipeline implements the phase graph engine: named nodes,
// conditional edges, and the iterative collaboration self-loop with a hard
// round cap.
package pipeline

import (
	"context"
	"fmt"

	"github.com/jexlab/jexagent/pkg/llm"
	"github.com/jexlab/jexagent/pkg/models"
	"github.com/jexlab/jexagent/pkg/phases"
)

// End is the terminal pseudo-node.
const End = "END"

// NodeFunc transforms state into a delta. Nodes never mutate state; the
// engine applies the returned delta.
type NodeFunc func(ctx context.Context, state *models.PhaseState) (*models.Delta, error)

// EdgeFunc picks the next node after a node's delta has been applied.
type EdgeFunc func(state *models.PhaseState) string

// Observer is invoked after each node's delta is applied. Used by the task
// runtime to emit progress and AI-message events between rounds.
type Observer func(node string, state *models.PhaseState)

// Engine interprets the static phase graph:
//
//	evaluate -> generate_inquiry (need_inquiry) | planning
//	generate_inquiry -> END
//	planning -> debate_collaborate | review_collaborate
//	*_collaborate -> itself (until should_stop) | END
//
// Integration runs in the background worker immediately after collaboration
// END and is not a graph node.
type Engine struct {
	nodes map[string]NodeFunc
	edges map[string]EdgeFunc
	entry string
}

// New builds the engine over the given upstream caller.
func New(caller llm.Caller) *Engine {
	e := &Engine{entry: phases.PhaseEvaluate}

	e.nodes = map[string]NodeFunc{
		phases.PhaseEvaluate: func(ctx context.Context, s *models.PhaseState) (*models.Delta, error) {
			return phases.Evaluate(ctx, caller, s), nil
		},
		phases.PhaseGenerateInquiry: func(ctx context.Context, s *models.PhaseState) (*models.Delta, error) {
			return phases.GenerateInquiry(ctx, caller, s), nil
		},
		phases.PhasePlanning: func(ctx context.Context, s *models.PhaseState) (*models.Delta, error) {
			return phases.Plan(ctx, caller, s), nil
		},
		phases.PhaseDebate: func(ctx context.Context, s *models.PhaseState) (*models.Delta, error) {
			return phases.Collaborate(ctx, caller, s)
		},
		phases.PhaseReview: func(ctx context.Context, s *models.PhaseState) (*models.Delta, error) {
			return phases.Collaborate(ctx, caller, s)
		},
	}

	e.edges = map[string]EdgeFunc{
		phases.PhaseEvaluate: func(s *models.PhaseState) string {
			if s.NeedInquiry {
				return phases.PhaseGenerateInquiry
			}
			return phases.PhasePlanning
		},
		phases.PhaseGenerateInquiry: func(*models.PhaseState) string { return End },
		phases.PhasePlanning: func(s *models.PhaseState) string {
			if s.Mode == models.ModeReview {
				return phases.PhaseReview
			}
			return phases.PhaseDebate
		},
		phases.PhaseDebate: continueCollaboration(phases.PhaseDebate),
		phases.PhaseReview: continueCollaboration(phases.PhaseReview),
	}

	return e
}

// continueCollaboration re-enters the collaboration node until the phase
// sets should_stop. The hard round cap applies regardless of the planner's
// max_rounds.
func continueCollaboration(node string) EdgeFunc {
	return func(s *models.PhaseState) string {
		if s.ShouldStop || s.CurrentRound >= models.MaxCollaborationRounds {
			return End
		}
		return node
	}
}

// RunOptions control a Run invocation.
type RunOptions struct {
	// From overrides the entry node (default: evaluate).
	From string
	// StopBefore pauses the run when the next node is in the set; Run
	// returns that node name so the caller can resume there later.
	StopBefore map[string]bool
	// Observer is called after each applied node.
	Observer Observer
}

// Step executes a single node, applies its delta, and returns the next
// node per the graph's edges. The task runtime uses it to interleave
// progress emission with the collaboration self-loop.
func (e *Engine) Step(ctx context.Context, current string, state *models.PhaseState) (string, error) {
	node, ok := e.nodes[current]
	if !ok {
		return current, fmt.Errorf("unknown pipeline node %q", current)
	}
	delta, err := node(ctx, state)
	if err != nil {
		return current, fmt.Errorf("node %s: %w", current, err)
	}
	state.Apply(delta)

	edge, ok := e.edges[current]
	if !ok {
		return current, fmt.Errorf("node %q has no outgoing edge", current)
	}
	return edge(state), nil
}

// Run drives the graph from the entry (or opts.From), applying each node's
// delta to state, until END or a StopBefore boundary. Returns the node the
// run stopped before, or End.
func (e *Engine) Run(ctx context.Context, state *models.PhaseState, opts RunOptions) (string, error) {
	current := e.entry
	if opts.From != "" {
		current = opts.From
	}

	for current != End {
		if opts.StopBefore[current] {
			return current, nil
		}
		if err := ctx.Err(); err != nil {
			return current, err
		}

		node, ok := e.nodes[current]
		if !ok {
			return current, fmt.Errorf("unknown pipeline node %q", current)
		}

		delta, err := node(ctx, state)
		if err != nil {
			return current, fmt.Errorf("node %s: %w", current, err)
		}
		state.Apply(delta)

		if opts.Observer != nil {
			opts.Observer(current, state)
		}

		edge, ok := e.edges[current]
		if !ok {
			return current, fmt.Errorf("node %q has no outgoing edge", current)
		}
		current = edge(state)
	}
	return End, nil
}
