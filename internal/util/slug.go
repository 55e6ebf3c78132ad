// Package util provides slug derivation for administratively inserted steps.
package util

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxSlugWords caps how many words of a prompt contribute to a derived slug.
const MaxSlugWords = 6

// Slugify converts free text into a lowercase snake_case identifier suitable
// for a step name: letters and digits are kept, everything else collapses to
// a single underscore.
func Slugify(text string) string {
	var b strings.Builder
	lastUnderscore := true // suppress leading underscore
	words := 0
	for _, r := range strings.TrimSpace(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false
		default:
			if !lastUnderscore {
				words++
				if words >= MaxSlugWords {
					return b.String()
				}
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// UniqueSlug derives a slug from the preferred name (falling back to the
// prompt text) that does not collide with any name in taken. Collisions are
// resolved by appending _2, _3, ... to the base slug.
func UniqueSlug(name, fallback string, taken map[string]bool) string {
	base := Slugify(name)
	if base == "" {
		base = Slugify(fallback)
	}
	if base == "" {
		base = "step"
	}
	if !taken[base] {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", base, i)
		if !taken[candidate] {
			return candidate
		}
	}
}
