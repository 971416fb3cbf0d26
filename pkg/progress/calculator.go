// Package progress implements the per-task progress calculator and the
// fan-out broker: sequenced progress events with a replay ring, pub/sub to
// connected clients, and completion buffering for late subscribers.
package progress

import "math"

// Progress phase labels.
const (
	PhaseEvaluation    = "evaluation"
	PhaseInquiry       = "inquiry"
	PhasePlanning      = "planning"
	PhaseCollaboration = "collaboration"
	PhaseIntegration   = "integration"
	PhaseFinalization  = "finalization"
)

// phaseRanges maps each phase to its [start, end] slice of the 0-100 bar.
var phaseRanges = map[string][2]int{
	PhaseEvaluation:    {0, 10},
	PhaseInquiry:       {10, 20},
	PhasePlanning:      {20, 40},
	PhaseCollaboration: {40, 70},
	PhaseIntegration:   {70, 90},
	PhaseFinalization:  {90, 100},
}

// Compute maps (phase, fraction in [0,1]) to an overall 0-100 integer.
// Unknown phases map to 0. Per-task monotonicity is the caller's concern:
// emit max(last, Compute(...)).
func Compute(phase string, fraction float64) int {
	r, ok := phaseRanges[phase]
	if !ok {
		return 0
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return int(math.Round(float64(r[0]) + float64(r[1]-r[0])*fraction))
}
