package phases

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jexlab/jexagent/pkg/llm"
	"github.com/jexlab/jexagent/pkg/models"
	"github.com/jexlab/jexagent/pkg/textutil"
)

// Question count bounds for the inquiry phase.
const (
	minQuestions = 3
	maxQuestions = 5
)

const generateInquiryPrompt = `You are a meta-cognitive AI that writes follow-up questions.

**Scene:** %s

**User input:**
%s

**Information already provided:**
%s

**Missing critical information:**
%s

**Your task:**
Write 3-5 questions that collect the missing critical information.

**Question requirements:**
1. Clear, specific, easy to answer.
2. Avoid broad or abstract questions.
3. One topic per question.
4. Ask for must-know information first, nice-to-know last.
5. Include an example answer as a placeholder.

**Return a JSON object:**
{
  "questions": [
    {"id": 1, "question": "...?", "placeholder": "e.g. ...", "required": true}
  ]
}

Return only JSON, nothing else.`

const processAnswersPrompt = `You are a meta-cognitive AI that extracts structured information from user answers.

**Scene:** %s

**Questions and answers:**
%s

**Your task:**
Understand the answers and convert the key facts into structured data.

**Return a JSON object:**
{
  "extracted_info": {"key": "extracted value"},
  "summary": "short summary of what the user provided"
}

Return only JSON, nothing else.`

type inquiryResponse struct {
	Questions []models.InquiryQuestion `json:"questions"`
}

type answersResponse struct {
	ExtractedInfo map[string]any `json:"extracted_info"`
	Summary       string         `json:"summary"`
}

// GenerateInquiry is Phase 1a: produce 3-5 follow-up questions for the
// missing information. The question count is clamped: below three a generic
// optional question is appended, above five the list is cut.
func GenerateInquiry(ctx context.Context, caller llm.Caller, state *models.PhaseState) *models.Delta {
	prompt := fmt.Sprintf(generateInquiryPrompt,
		state.Scene, state.UserInput, mustJSON(state.ProvidedInfo), mustJSON(state.MissingInfo))

	result, err := caller.Call(ctx, llm.RoleMeta, []llm.Message{llm.UserMessage(prompt)},
		llm.ChatOptions{Temperature: 0.5})
	if err != nil {
		slog.Warn("Inquiry generation failed, using generic question",
			"task_id", state.TaskID, "error", err)
		return inquiryFallback(fmt.Sprintf("inquiry generation failed: %v", err))
	}

	var resp inquiryResponse
	if err := extractJSON(result.Content, &resp); err != nil {
		delta := inquiryFallback(fmt.Sprintf("inquiry parse failed: %v", err))
		delta.AddCost = result.Cost
		return delta
	}

	questions := ClampQuestions(resp.Questions)
	texts := make([]string, len(questions))
	for i, q := range questions {
		texts[i] = q.Question
	}

	return &models.Delta{
		NeedInquiry:      models.Ptr(true),
		InquiryQuestions: texts,
		InquiryDetails:   questions,
		Audit: []models.AuditEntry{{
			Phase:      auditInquiry,
			Actor:      models.ActorMeta,
			Action:     "generate inquiry questions",
			Input:      textutil.Snippet(fmt.Sprintf("missing: %v", state.MissingInfo), 200),
			Output:     fmt.Sprintf("generated %d questions", len(questions)),
			Reasoning:  "targeted questions for the missing critical information",
			TokensUsed: result.Tokens.Total,
			Cost:       result.Cost,
		}},
		AddCost: result.Cost,
	}
}

// ClampQuestions enforces the 3-5 question window and renumbers ids
// sequentially from 1.
func ClampQuestions(questions []models.InquiryQuestion) []models.InquiryQuestion {
	if len(questions) > maxQuestions {
		questions = questions[:maxQuestions]
	}
	for len(questions) < minQuestions {
		questions = append(questions, models.InquiryQuestion{
			Question:    "Is there any other background worth mentioning?",
			Placeholder: "e.g. time constraints, budget, special requirements...",
			Required:    false,
		})
	}
	for i := range questions {
		questions[i].ID = i + 1
	}
	return questions
}

func inquiryFallback(errMsg string) *models.Delta {
	questions := ClampQuestions(nil)
	texts := make([]string, len(questions))
	for i, q := range questions {
		texts[i] = q.Question
	}
	return &models.Delta{
		NeedInquiry:      models.Ptr(true),
		InquiryQuestions: texts,
		InquiryDetails:   questions,
		Error:            models.Ptr(errMsg),
	}
}

// ProcessAnswers is Phase 1b: fold the user's answers into collected info.
// An empty answer map is a user skip: no upstream call, a "skipped" audit
// entry, and the task proceeds on the originally provided information.
func ProcessAnswers(ctx context.Context, caller llm.Caller, state *models.PhaseState, answers map[int]string) (*models.Delta, error) {
	if len(answers) == 0 {
		return &models.Delta{
			NeedInquiry: models.Ptr(false),
			Audit: []models.AuditEntry{{
				Phase:     auditInquiry,
				Actor:     models.ActorUser,
				Action:    "skipped",
				Input:     "user skipped the inquiry",
				Output:    "continuing with existing information",
				Reasoning: "user chose to proceed without answering",
			}},
		}, nil
	}

	pairs := make(map[string]string, len(answers))
	for id, answer := range answers {
		pairs[questionText(state, id)] = answer
	}

	prompt := fmt.Sprintf(processAnswersPrompt, state.Scene, mustJSON(pairs))
	result, err := caller.Call(ctx, llm.RoleMeta, []llm.Message{llm.UserMessage(prompt)},
		llm.ChatOptions{Temperature: 0.3})
	if err != nil {
		return nil, fmt.Errorf("processing answers: %w", err)
	}

	var resp answersResponse
	if err := extractJSON(result.Content, &resp); err != nil {
		return nil, fmt.Errorf("processing answers: %w", err)
	}

	merged := make(map[string]any, len(state.CollectedInfo)+len(resp.ExtractedInfo))
	for k, v := range state.CollectedInfo {
		merged[k] = v
	}
	for k, v := range resp.ExtractedInfo {
		merged[k] = v
	}

	return &models.Delta{
		NeedInquiry:     models.Ptr(false),
		MissingInfo:     []string{},
		InfoSufficiency: models.Ptr(1.0),
		CollectedInfo:   merged,
		Audit: []models.AuditEntry{{
			Phase:      auditInquiry,
			Actor:      models.ActorMeta,
			Action:     "extract answer information",
			Input:      fmt.Sprintf("received %d answers", len(answers)),
			Output:     textutil.Snippet(mustJSON(resp.ExtractedInfo), 200),
			Reasoning:  resp.Summary,
			TokensUsed: result.Tokens.Total,
			Cost:       result.Cost,
		}},
		AddCost: result.Cost,
	}, nil
}

// questionText resolves a question id to its text for the extraction
// prompt, falling back to a positional label.
func questionText(state *models.PhaseState, id int) string {
	for _, q := range state.InquiryDetails {
		if q.ID == id {
			return q.Question
		}
	}
	return fmt.Sprintf("question %d", id)
}
