// Package util provides utility functions for the IntakeFlow application.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
// Uses math/rand/v2 for optimal performance with modern best practices.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateSessionID generates a unique session ID with the given flow prefix,
// e.g. "injury_7a3b...". Session IDs rotate per intake, so collisions across
// a deployment's lifetime must be practically impossible.
func GenerateSessionID(prefix string) string {
	if prefix == "" {
		prefix = "session"
	}
	return prefix + "_" + uuid.NewString()
}

// GenerateRunID generates a unique run ID with "run_" prefix.
func GenerateRunID() string {
	return "run_" + uuid.NewString()
}

// GenerateAnswerID generates a unique answer ID with "ans_" prefix.
func GenerateAnswerID() string {
	return "ans_" + uuid.NewString()
}
