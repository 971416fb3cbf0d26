package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jexlab/jexagent/pkg/models"
)

// IntermediateState is the whitelisted subset of phase state a client may
// round-trip between create and answer submission. Identity fields
// (user id, scene, user input) are deliberately absent: they are rebuilt
// from the stored task row and never trusted from the client.
type IntermediateState struct {
	ProvidedInfo map[string]any      `json:"provided_info"`
	MissingInfo  []string            `json:"missing_info"`
	AuditTrail   []models.AuditEntry `json:"audit_trail"`
	TotalCost    float64             `json:"total_cost"`
}

// ValidationError marks a 400-class rejection of client input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ParseIntermediateState strictly decodes a client-echoed intermediate
// state. Unknown fields at the top level and inside audit entries are
// rejected (provided_info is a free-form map), and the accumulated cost
// must lie within [0, ceiling].
func ParseIntermediateState(raw json.RawMessage, costCeiling float64) (*IntermediateState, error) {
	if len(raw) == 0 {
		return &IntermediateState{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var state IntermediateState
	if err := dec.Decode(&state); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid intermediate_state: %v", err)}
	}
	if state.TotalCost < 0 || state.TotalCost > costCeiling {
		return nil, &ValidationError{Message: fmt.Sprintf(
			"intermediate_state cost %.4f outside [0, %.0f]", state.TotalCost, costCeiling)}
	}
	return &state, nil
}

// rebuildState constructs the authoritative PhaseState for answer
// processing: identity from the stored task, whitelisted fields from the
// validated payload.
func rebuildState(task *models.Task, intermediate *IntermediateState) *models.PhaseState {
	return &models.PhaseState{
		TaskID:       task.ID,
		UserID:       task.UserID,
		Scene:        task.Scene,
		UserInput:    task.UserInput,
		NeedInquiry:  true,
		ProvidedInfo: intermediate.ProvidedInfo,
		MissingInfo:  intermediate.MissingInfo,
		AuditTrail:   intermediate.AuditTrail,
		TotalCost:    intermediate.TotalCost,
	}
}
