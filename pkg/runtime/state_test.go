package runtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jexlab/jexagent/pkg/models"
)

func TestParseIntermediateStateAcceptsWhitelist(t *testing.T) {
	raw := json.RawMessage(`{
		"provided_info": {"audience": "devs"},
		"missing_info": ["budget"],
		"audit_trail": [{"step":0,"phase":"evaluation","actor":"meta","action":"assess","input":"","output":"","reasoning":"","tokens_used":100,"cost":0.001}],
		"total_cost": 0.001
	}`)

	state, err := ParseIntermediateState(raw, 1000)
	require.NoError(t, err)
	assert.Equal(t, "devs", state.ProvidedInfo["audience"])
	assert.Equal(t, []string{"budget"}, state.MissingInfo)
	require.Len(t, state.AuditTrail, 1)
	assert.InDelta(t, 0.001, state.TotalCost, 1e-9)
}

func TestParseIntermediateStateRejectsInjectedFields(t *testing.T) {
	raw := json.RawMessage(`{"provided_info": {}, "user_id": "attacker"}`)

	_, err := ParseIntermediateState(raw, 1000)
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestParseIntermediateStateCostBounds(t *testing.T) {
	_, err := ParseIntermediateState(json.RawMessage(`{"total_cost": -1}`), 1000)
	assert.Error(t, err)

	_, err = ParseIntermediateState(json.RawMessage(`{"total_cost": 1001}`), 1000)
	assert.Error(t, err)

	_, err = ParseIntermediateState(json.RawMessage(`{"total_cost": 999}`), 1000)
	assert.NoError(t, err)
}

func TestParseIntermediateStateEmpty(t *testing.T) {
	state, err := ParseIntermediateState(nil, 1000)
	require.NoError(t, err)
	assert.Zero(t, state.TotalCost)
}

func TestRebuildStateUsesStoredIdentity(t *testing.T) {
	task := &models.Task{
		ID: "task-1", UserID: "real-user", Scene: "topic-analysis", UserInput: "real input",
	}
	intermediate := &IntermediateState{
		ProvidedInfo: map[string]any{"k": "v"},
		TotalCost:    0.5,
	}

	state := rebuildState(task, intermediate)
	assert.Equal(t, "real-user", state.UserID)
	assert.Equal(t, "topic-analysis", state.Scene)
	assert.Equal(t, "real input", state.UserInput)
	assert.Equal(t, "v", state.ProvidedInfo["k"])
	assert.InDelta(t, 0.5, state.TotalCost, 1e-9)
}
