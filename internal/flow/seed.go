package flow

import "github.com/intakeflow/intakeflow/internal/models"

// DefaultFlowName is the flow seeded on first startup.
const DefaultFlowName = "injury_intake_strict"

// DefaultSteps returns the canonical injury intake chain used to seed an
// empty catalog. The wording is chosen so each question classifies to the
// intended extraction type.
func DefaultSteps() []models.Step {
	return []models.Step{
		{Name: "collect_first_name", AskPrompt: "What is your first name?", InputKey: "first_name", NextName: "collect_last_name"},
		{Name: "collect_last_name", AskPrompt: "Thanks {first_name}. What is your last name?", InputKey: "last_name", NextName: "incident_date"},
		{Name: "incident_date", AskPrompt: "When did the incident happen?", InputKey: "incident_date", NextName: "incident_location"},
		{Name: "incident_location", AskPrompt: "Where did the incident take place?", InputKey: "incident_location", NextName: "incident_description"},
		{Name: "incident_description", AskPrompt: "Please share what happened, in your own words.", InputKey: "incident_description", NextName: "injuries"},
		{Name: "injuries", AskPrompt: "What injuries did you sustain?", InputKey: "injuries", NextName: "medical_treatment"},
		{Name: "medical_treatment", AskPrompt: "Did you receive medical treatment?", InputKey: "medical_treatment", NextName: "witnesses"},
		{Name: "witnesses", AskPrompt: "Were there any witnesses?", InputKey: "witnesses", NextName: "witness_names"},
		{Name: "witness_names", AskPrompt: "Who were the witnesses? Any names you remember?", InputKey: "witness_names", NextName: "other_reports"},
		{Name: "other_reports", AskPrompt: "Did you report this anywhere, or file any reports?", InputKey: "other_reports", NextName: ""},
	}
}
