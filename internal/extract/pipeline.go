package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/intakeflow/intakeflow/internal/genai"
)

const extractionSystemPrompt = `You extract ONLY the specific data requested for the given question type.
Return just the value, no explanations.

Question types and examples:

first_name:
- "My first name is Srushti Jagtap" -> "Srushti"
- "It's John, John Smith" -> "John"

last_name:
- "My last name is Smith" -> "Smith"
- "My name is John Smith" -> "Smith"

incident_date:
- "It happened on March 15th, 2024" -> "March 15, 2024"
- "Last Tuesday, the 15th" -> "15"

incident_location:
- "Intersection of Main and Oak" -> "Main and Oak intersection"
- "Walmart on 5th Street" -> "Walmart on 5th Street"

incident_description:
- "I met with a car accident" -> "I met with a car accident"
- "I slipped and fell at the store" -> "I slipped and fell at the store"
- "A dog bit me while walking" -> "A dog bit me while walking"

injuries:
- "Back injury and neck pain" -> "back injury, neck pain"
- "Head injury, severe bleeding" -> "head injury, severe bleeding"

medical_treatment:
- "Yes, ER visit with pain meds" -> "Yes, ER visit with pain meds"
- "No" -> "No"

witnesses:
- "Two witnesses" -> "Two"
- "John and Mary saw it" -> "John and Mary"
- "One person" -> "One"
- "No witnesses" -> "No"

witness_names:
- "John Smith and Mary Johnson" -> "John Smith and Mary Johnson"
- "Just John" -> "John"
- "I don't know their names" -> "Unknown names"

other_reports:
- "Yes, to police" -> "Yes, to police"
- "Yes, to authority" -> "Yes, to authority"
- "Yes, to state office" -> "Yes, to state office"
- "Yes, to helpline" -> "Yes, to helpline"
- "Yes, I called the police" -> "Yes, to police"
- "No" -> "No"
- "No reports made" -> "No"

IMPORTANT: For other_reports, ONLY extract whether they reported and to whom, NOT location information.

Return ONLY the extracted value.`

const validationSystemPrompt = `Validate the extracted value for the question type.

Return one of:
- "VALID"
- "VALID_CORRECTED: <corrected value>"
- "INVALID: <gentle clarification request>"

Rules of thumb:
- first_name, last_name: should look like names (letters, hyphen, apostrophe, max 3 tokens). Capitalize first letter.
- incident_date: recognizable date or partial date (avoid future if context implies past).
- incident_location: a place description (not a person's name).
- incident_description: any reasonable description of what happened (should be at least a few words).
- medical_treatment: "Yes/No" optionally with short details.
- injuries: medical/body-part terms.
- other_reports: "Yes" with optional authority (police, state office, helpline) or "No". Do not collect location information.

Be brief and kind. For incident_description, accept any reasonable explanation of what happened.
For other_reports, accept any mention of reporting to authorities without requiring specific details.`

// Result is the outcome of running an answer through the pipeline.
type Result struct {
	Valid bool
	// Value is the normalized extraction when Valid.
	Value string
	// Clarification is a gentle re-ask message when not Valid.
	Clarification string
}

// Pipeline extracts and validates intake answers. Rule-based extraction is
// tried first; generative extraction and validation are the fallback, and
// every generative failure resolves in the caller's favor.
type Pipeline struct {
	client genai.ClientInterface
}

// NewPipeline creates a Pipeline backed by the given generative client.
func NewPipeline(client genai.ClientInterface) *Pipeline {
	return &Pipeline{client: client}
}

// ExtractAndValidate normalizes a user response for the given question.
// An empty question or response is accepted as-is.
func (p *Pipeline) ExtractAndValidate(ctx context.Context, question, response string) Result {
	if question == "" || response == "" {
		return Result{Valid: true, Value: response}
	}

	qtype := ClassifyQuestion(question)
	raw := strings.TrimSpace(response)
	if raw == "" {
		return Result{Valid: true}
	}

	if value, ok := ruleExtract(qtype, raw); ok {
		slog.Debug("extract.rule extraction succeeded", "questionType", qtype, "value", value)
		return Result{Valid: true, Value: value}
	}
	slog.Debug("extract.falling back to generative extraction", "questionType", qtype)

	extracted := p.generativeExtract(ctx, qtype, raw)

	validation, err := p.client.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(validationSystemPrompt),
		openai.UserMessage(fmt.Sprintf("Question Type: %s\nExtracted: %s\nValidation:", qtype, extracted)),
	})
	if err != nil {
		slog.Warn("extract.generative validation failed, accepting extracted value", "error", err, "questionType", qtype)
		return Result{Valid: true, Value: extracted}
	}
	return parseValidation(strings.TrimSpace(validation), extracted)
}

func (p *Pipeline) generativeExtract(ctx context.Context, qtype QuestionType, raw string) string {
	extracted, err := p.client.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(extractionSystemPrompt),
		openai.UserMessage(fmt.Sprintf("Question Type: %s\nUser Response: %s\nExtracted:", qtype, raw)),
	})
	if err != nil {
		slog.Warn("extract.generative extraction failed, keeping raw response", "error", err, "questionType", qtype)
		return raw
	}
	if trimmed := strings.TrimSpace(extracted); trimmed != "" {
		return trimmed
	}
	return raw
}

// parseValidation interprets a validation verdict. Anything unrecognized
// counts as valid so a confused model never blocks the conversation.
func parseValidation(verdict, extracted string) Result {
	if after, ok := strings.CutPrefix(verdict, "VALID_CORRECTED:"); ok {
		return Result{Valid: true, Value: strings.TrimSpace(after)}
	}
	if strings.HasPrefix(verdict, "VALID") {
		return Result{Valid: true, Value: extracted}
	}
	if after, ok := strings.CutPrefix(verdict, "INVALID:"); ok {
		return Result{Clarification: strings.TrimSpace(after)}
	}
	return Result{Valid: true, Value: extracted}
}
