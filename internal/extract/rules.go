package extract

import (
	"regexp"
	"strings"
)

// nameToken matches a single name-like token, allowing hyphens, apostrophes
// and abbreviating periods.
const nameToken = `[A-Za-z][A-Za-z\-'’.]*`

const tokenPunct = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~ "

var (
	firstNameLabeledRe = regexp.MustCompile(`(?i)\b(?:first\s*name|given\s*name)\s*(?:is|:)?\s+(` + nameToken + `)\b`)
	firstNamePhraseRe  = regexp.MustCompile(`(?i)\b(?:my\s+name\s+is|i\s*am|i'm|this\s+is)\s+(` + nameToken + `(?:\s+` + nameToken + `){0,3})\b`)
	lastNameLabeledRe  = regexp.MustCompile(`(?i)\b(?:last\s*name|surname|family\s*name)\s*(?:is|:)?\s+(` + nameToken + `)\b`)
	lastNamePhraseRe   = regexp.MustCompile(`(?i)\b(?:my\s+name\s+is)\s+(` + nameToken + `(?:\s+` + nameToken + `){0,3})\b`)
	soloTokenRe        = regexp.MustCompile(`^\s*(` + nameToken + `)\s*$`)

	dateRe    = regexp.MustCompile(`(?i)(?:\b(?:Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|Jun(?:e)?|Jul(?:y)?|Aug(?:ust)?|Sep(?:t\.?|tember)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)\b\s+\d{1,2}(?:st|nd|rd|th)?(?:,\s*\d{4})?)|\b\d{1,2}/\d{1,2}(?:/\d{2,4})?\b|\b\d{4}-\d{2}-\d{2}\b`)
	ordinalRe = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)\b`)
)

func cleanToken(tok string) string {
	t := strings.Trim(tok, tokenPunct)
	t = strings.ReplaceAll(t, "’", "'")
	if t == "" {
		return t
	}
	return strings.ToUpper(t[:1]) + t[1:]
}

// normalizeName tidies a name fragment, keeping at most two tokens.
func normalizeName(s string) string {
	s = strings.Trim(strings.TrimSpace(s), `."'`)
	parts := strings.Fields(s)
	if len(parts) == 0 {
		return s
	}
	if len(parts) > 2 {
		parts = parts[:2]
	}
	cleaned := make([]string, len(parts))
	for i, p := range parts {
		cleaned[i] = cleanToken(p)
	}
	return strings.Join(cleaned, " ")
}

func extractFirstNameRule(text string) (string, bool) {
	t := strings.TrimSpace(text)

	// "my first name is Rusty", "first name Rusty"
	if m := firstNameLabeledRe.FindStringSubmatch(t); m != nil {
		return cleanToken(m[1]), true
	}
	// "my name is John Smith" yields John
	if m := firstNamePhraseRe.FindStringSubmatch(t); m != nil {
		return cleanToken(strings.Fields(m[1])[0]), true
	}
	// bare "Rusty"
	if m := soloTokenRe.FindStringSubmatch(t); m != nil {
		return cleanToken(m[1]), true
	}
	return "", false
}

func extractLastNameRule(text string) (string, bool) {
	t := strings.TrimSpace(text)

	// "last name is Patel" / "surname Patel"
	if m := lastNameLabeledRe.FindStringSubmatch(t); m != nil {
		return cleanToken(m[1]), true
	}
	// "my name is John Smith" yields Smith
	if m := lastNamePhraseRe.FindStringSubmatch(t); m != nil {
		toks := strings.Fields(m[1])
		if len(toks) >= 2 {
			return cleanToken(toks[len(toks)-1]), true
		}
	}
	// bare "Smith"
	if m := soloTokenRe.FindStringSubmatch(t); m != nil {
		return cleanToken(m[1]), true
	}
	return "", false
}

func extractYesNoRule(text string) (string, bool) {
	s := strings.TrimSpace(text)
	t := strings.ToLower(s)
	switch t {
	case "yes", "y", "yeah", "yep", "yup", "sure", "affirmative":
		return "Yes", true
	case "no", "n", "nope", "nah", "negative":
		return "No", true
	}
	// "yes, ER visit" / "no, didn't go"
	if strings.HasPrefix(t, "yes") {
		return "Yes" + s[len("yes"):], true
	}
	if strings.HasPrefix(t, "no") {
		return "No" + s[len("no"):], true
	}
	return "", false
}

func extractReportsRule(text string) (string, bool) {
	s := strings.TrimSpace(text)
	t := strings.ToLower(s)

	switch t {
	case "yes", "y", "yeah", "yep", "yup", "sure":
		return "Yes", true
	case "no", "n", "nope", "nah", "none":
		return "No", true
	}

	if strings.Contains(t, "police") {
		return "Yes, to police", true
	}
	if containsAny(t, "authority", "authorities") {
		return "Yes, to authority", true
	}
	if strings.Contains(t, "state office") {
		return "Yes, to state office", true
	}
	if strings.Contains(t, "helpline") {
		return "Yes, to helpline", true
	}
	if strings.Contains(t, "insurance") {
		return "Yes, to insurance", true
	}

	if strings.HasPrefix(t, "yes") {
		remainder := strings.TrimSpace(strings.Trim(strings.TrimSpace(s[len("yes"):]), ","))
		// Trailing location detail is not the report target, drop it.
		if containsAny(strings.ToLower(remainder), "highway", "street", "road", "avenue", "thirty", "twenty", "mile") {
			return "Yes", true
		}
		if remainder != "" {
			return "Yes, " + remainder, true
		}
		return "Yes", true
	}
	if strings.HasPrefix(t, "no") {
		return "No", true
	}
	return "", false
}

func extractWitnessesRule(text string) (string, bool) {
	s := strings.TrimSpace(text)
	t := strings.ToLower(s)

	switch t {
	case "no", "none", "no one", "nobody":
		return "No", true
	}
	if containsAny(t, "two", "2") {
		return "Two", true
	}
	if containsAny(t, "one", "1") {
		return "One", true
	}
	if containsAny(t, "three", "3") {
		return "Three", true
	}
	if strings.Contains(t, " and ") {
		// Likely names: "john and mary"
		return s, true
	}
	return "", false
}

func extractWitnessNamesRule(text string) (string, bool) {
	s := strings.TrimSpace(text)
	switch strings.ToLower(s) {
	case "no", "none", "don't know", "unknown", "i don't know":
		return "Unknown names", true
	}
	if strings.Contains(s, " and ") || len(strings.Fields(s)) >= 2 {
		return s, true
	}
	return "", false
}

func extractDateRule(text string) (string, bool) {
	if m := dateRe.FindString(text); m != "" {
		m = ordinalRe.ReplaceAllString(m, "$1")
		return strings.TrimRight(strings.TrimSpace(m), ",."), true
	}
	// relative phrasings like "yesterday" are left to the generative layer
	return "", false
}

// ruleExtract applies the deterministic extractor for a question type.
// It reports false when no rule produced a value.
func ruleExtract(qtype QuestionType, text string) (string, bool) {
	switch qtype {
	case TypeFirstName:
		if v, ok := extractFirstNameRule(text); ok {
			return normalizeName(v), true
		}
	case TypeLastName:
		if v, ok := extractLastNameRule(text); ok {
			return normalizeName(v), true
		}
	case TypeMedicalTreatment:
		return extractYesNoRule(text)
	case TypeIncidentDate:
		return extractDateRule(text)
	case TypeIncidentDescription:
		cleaned := strings.TrimSpace(text)
		if len(cleaned) > 5 {
			return cleaned, true
		}
	case TypeOtherReports:
		return extractReportsRule(text)
	case TypeWitnesses:
		return extractWitnessesRule(text)
	case TypeWitnessNames:
		return extractWitnessNamesRule(text)
	}
	return "", false
}
