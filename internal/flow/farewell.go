package flow

import "regexp"

// farewellRe matches the fixed vocabulary that ends a completed intake.
// It is only consulted once the flow has reached its terminal state, so a
// mid-flow "thanks" never cuts the conversation short.
var farewellRe = regexp.MustCompile(`(?i)\b(bye|goodbye|thanks(?: you)?|thank you|end|stop|finish|done|quit|exit)\b`)

// IsFarewell reports whether the text signals the caller wants to end.
func IsFarewell(text string) bool {
	return text != "" && farewellRe.MatchString(text)
}
