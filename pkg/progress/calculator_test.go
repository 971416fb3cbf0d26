package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		phase    string
		fraction float64
		want     int
	}{
		{PhaseEvaluation, 0, 0},
		{PhaseEvaluation, 1, 10},
		{PhaseInquiry, 0.5, 15},
		{PhasePlanning, 0, 20},
		{PhasePlanning, 1, 40},
		{PhaseCollaboration, 0, 40},
		{PhaseCollaboration, 0.5, 55},
		{PhaseCollaboration, 1, 70},
		{PhaseIntegration, 0.5, 80},
		{PhaseFinalization, 1, 100},
		{"unknown", 0.5, 0},
		{PhaseCollaboration, -1, 40}, // clamped
		{PhaseCollaboration, 2, 70},  // clamped
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Compute(tt.phase, tt.fraction), "%s %.2f", tt.phase, tt.fraction)
	}
}
