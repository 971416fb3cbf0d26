package models

// MaxCollaborationRounds is the hard cap on collaboration rounds,
// regardless of the planner's max_rounds.
const MaxCollaborationRounds = 10

// CollaborationMode selects the Phase 3 variant.
type CollaborationMode string

// Collaboration modes chosen by the planner.
const (
	ModeDebate CollaborationMode = "debate"
	ModeReview CollaborationMode = "review"
)

// InquiryQuestion is one question generated by the inquiry phase.
type InquiryQuestion struct {
	ID          int    `json:"id"`
	Question    string `json:"question"`
	Placeholder string `json:"placeholder,omitempty"`
	Required    bool   `json:"required"`
}

// PhaseState is the single state object threaded through all phases. Phases
// never mutate it directly; they return a Delta which the pipeline engine
// applies. The full struct serializes as the processing_state blob handed
// from the foreground prelude to the background worker.
type PhaseState struct {
	TaskID    string `json:"task_id"`
	UserID    string `json:"user_id"`
	Scene     string `json:"scene"`
	UserInput string `json:"user_input"`

	// Phase 0 — evaluation.
	NeedInquiry     bool           `json:"need_inquiry"`
	ProvidedInfo    map[string]any `json:"provided_info,omitempty"`
	MissingInfo     []string       `json:"missing_info,omitempty"`
	InfoSufficiency float64        `json:"info_sufficiency"`

	// Phase 1 — inquiry.
	InquiryQuestions []string          `json:"inquiry_questions,omitempty"`
	InquiryDetails   []InquiryQuestion `json:"inquiry_details,omitempty"`
	CollectedInfo    map[string]any    `json:"collected_info,omitempty"`

	// Phase 2 — planning.
	TaskType string            `json:"task_type,omitempty"`
	Mode     CollaborationMode `json:"collaboration_mode,omitempty"`
	RoleA    string            `json:"ai_a_role,omitempty"`
	RoleB    string            `json:"ai_b_role,omitempty"`

	// Phase 3 — collaboration.
	AOutput      string        `json:"ai_a_output,omitempty"`
	BOutput      string        `json:"ai_b_output,omitempty"`
	DebateRounds []DebateRound `json:"debate_rounds,omitempty"`
	CurrentRound int           `json:"current_round"`
	MaxRounds    int           `json:"max_rounds"`
	ShouldStop   bool          `json:"should_stop"`
	StopReason   string        `json:"stop_reason,omitempty"`

	// Phase 5 — integration.
	FinalOutput *Document `json:"final_output,omitempty"`

	AuditTrail   []AuditEntry `json:"audit_trail"`
	TotalCost    float64      `json:"total_cost"`
	LastProgress int          `json:"last_progress"`
	Error        string       `json:"error,omitempty"`
}

// Delta is the typed patch a phase function returns. Nil fields leave the
// state untouched; non-nil fields overwrite. Audit entries append and
// AddCost accumulates, preserving the append-only / monotonic invariants.
type Delta struct {
	NeedInquiry     *bool
	ProvidedInfo    map[string]any
	MissingInfo     []string
	InfoSufficiency *float64

	InquiryQuestions []string
	InquiryDetails   []InquiryQuestion
	CollectedInfo    map[string]any

	TaskType *string
	Mode     *CollaborationMode
	RoleA    *string
	RoleB    *string

	AOutput      *string
	BOutput      *string
	DebateRounds []DebateRound
	CurrentRound *int
	MaxRounds    *int
	ShouldStop   *bool
	StopReason   *string

	FinalOutput *Document
	Error       *string

	Audit   []AuditEntry
	AddCost float64
}

// Apply merges a delta into the state. Once ShouldStop is set it never
// reverts, and TotalCost only grows. Audit entries get their step index
// assigned at append time.
func (s *PhaseState) Apply(d *Delta) {
	if d == nil {
		return
	}
	if d.NeedInquiry != nil {
		s.NeedInquiry = *d.NeedInquiry
	}
	if d.ProvidedInfo != nil {
		s.ProvidedInfo = d.ProvidedInfo
	}
	if d.MissingInfo != nil {
		s.MissingInfo = d.MissingInfo
	}
	if d.InfoSufficiency != nil {
		s.InfoSufficiency = *d.InfoSufficiency
	}
	if d.InquiryQuestions != nil {
		s.InquiryQuestions = d.InquiryQuestions
	}
	if d.InquiryDetails != nil {
		s.InquiryDetails = d.InquiryDetails
	}
	if d.CollectedInfo != nil {
		s.CollectedInfo = d.CollectedInfo
	}
	if d.TaskType != nil {
		s.TaskType = *d.TaskType
	}
	if d.Mode != nil {
		s.Mode = *d.Mode
	}
	if d.RoleA != nil {
		s.RoleA = *d.RoleA
	}
	if d.RoleB != nil {
		s.RoleB = *d.RoleB
	}
	if d.AOutput != nil {
		s.AOutput = *d.AOutput
	}
	if d.BOutput != nil {
		s.BOutput = *d.BOutput
	}
	if d.DebateRounds != nil {
		s.DebateRounds = d.DebateRounds
	}
	if d.CurrentRound != nil {
		s.CurrentRound = *d.CurrentRound
	}
	if d.MaxRounds != nil {
		s.MaxRounds = *d.MaxRounds
	}
	if d.ShouldStop != nil && *d.ShouldStop {
		s.ShouldStop = true
	}
	if d.StopReason != nil {
		s.StopReason = *d.StopReason
	}
	if d.FinalOutput != nil {
		s.FinalOutput = d.FinalOutput
	}
	if d.Error != nil {
		s.Error = *d.Error
	}
	for _, entry := range d.Audit {
		entry.Step = len(s.AuditTrail)
		s.AuditTrail = append(s.AuditTrail, entry)
	}
	if d.AddCost > 0 {
		s.TotalCost += d.AddCost
	}
}

// Ptr returns a pointer to v. Keeps Delta construction compact.
func Ptr[T any](v T) *T { return &v }
