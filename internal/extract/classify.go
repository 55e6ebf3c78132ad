// Package extract turns free-form intake answers into normalized values.
// A deterministic rule layer runs first; generative extraction and
// validation only cover what the rules cannot.
package extract

import "strings"

// QuestionType categorizes an intake question so the right extraction and
// validation rules apply to its answer.
type QuestionType string

const (
	TypeFirstName           QuestionType = "first_name"
	TypeLastName            QuestionType = "last_name"
	TypeIncidentDate        QuestionType = "incident_date"
	TypeIncidentLocation    QuestionType = "incident_location"
	TypeIncidentDescription QuestionType = "incident_description"
	TypeInjuries            QuestionType = "injuries"
	TypeMedicalTreatment    QuestionType = "medical_treatment"
	TypeWitnesses           QuestionType = "witnesses"
	TypeWitnessNames        QuestionType = "witness_names"
	TypeOtherReports        QuestionType = "other_reports"
	TypeGeneral             QuestionType = "general"
)

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ClassifyQuestion maps a question's wording to a QuestionType. Rule order
// matters: report questions are checked before location so wording like
// "did you report this anywhere" is not mistaken for a location question.
func ClassifyQuestion(question string) QuestionType {
	q := strings.ToLower(question)

	if containsAny(q, "first name", "given name") {
		return TypeFirstName
	}
	if containsAny(q, "last name", "surname", "family name") {
		return TypeLastName
	}
	if containsAny(q, "when", "date", "time") {
		return TypeIncidentDate
	}
	if containsAny(q, "report", "filed", "contacted") {
		if !containsAny(q, "where did you report", "location of report") {
			return TypeOtherReports
		}
	}
	if containsAny(q, "where", "location", "place") && !strings.Contains(q, "anywhere") {
		return TypeIncidentLocation
	}
	if containsAny(q, "injur", "hurt", "harm") {
		return TypeInjuries
	}
	if containsAny(q, "medical", "treatment", "doctor", "hospital") {
		return TypeMedicalTreatment
	}
	if containsAny(q, "what happened", "describe", "tell me about", "incident", "accident", "event", "share what") {
		return TypeIncidentDescription
	}
	if strings.Contains(q, "witness") {
		if containsAny(q, "name", "who") {
			return TypeWitnessNames
		}
		return TypeWitnesses
	}
	return TypeGeneral
}
