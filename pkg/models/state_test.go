package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyAssignsAuditSteps(t *testing.T) {
	state := &PhaseState{}

	state.Apply(&Delta{Audit: []AuditEntry{
		{Phase: "evaluation", Action: "first"},
		{Phase: "evaluation", Action: "second"},
	}})
	state.Apply(&Delta{Audit: []AuditEntry{{Phase: "planning", Action: "third"}}})

	assert.Len(t, state.AuditTrail, 3)
	for i, entry := range state.AuditTrail {
		assert.Equal(t, i, entry.Step)
	}
}

func TestApplyShouldStopNeverReverts(t *testing.T) {
	state := &PhaseState{}

	state.Apply(&Delta{ShouldStop: Ptr(true)})
	assert.True(t, state.ShouldStop)

	state.Apply(&Delta{ShouldStop: Ptr(false)})
	assert.True(t, state.ShouldStop, "should_stop must latch")
}

func TestApplyCostMonotonic(t *testing.T) {
	state := &PhaseState{}
	state.Apply(&Delta{AddCost: 0.5})
	state.Apply(&Delta{AddCost: 0.25})
	state.Apply(&Delta{AddCost: -1}) // negative adds are ignored
	assert.InDelta(t, 0.75, state.TotalCost, 1e-9)
}

func TestApplyNilFieldsPreserveState(t *testing.T) {
	state := &PhaseState{
		TaskType:     "analysis",
		Mode:         ModeDebate,
		CurrentRound: 2,
	}
	state.Apply(&Delta{AOutput: Ptr("new output")})

	assert.Equal(t, "analysis", state.TaskType)
	assert.Equal(t, ModeDebate, state.Mode)
	assert.Equal(t, 2, state.CurrentRound)
	assert.Equal(t, "new output", state.AOutput)
}
