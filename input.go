package loom

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MaxGoalBytes bounds the sanitized goal text accepted for planning.
const MaxGoalBytes = 8 * 1024

// zeroWidthChars are Unicode zero-width and invisible characters used for
// obfuscation; they are stripped before the goal reaches the planner.
var zeroWidthChars = strings.NewReplacer(
	"​", " ", // zero-width space
	"‌", " ", // zero-width non-joiner
	"‍", " ", // zero-width joiner
	"﻿", " ", // zero-width no-break space (BOM)
	"⁠", " ", // word joiner
	"᠎", " ", // Mongolian vowel separator
	"­", "",  // soft hyphen (removed, not replaced)
)

// SanitizeGoal normalises request text before planning: NFKC normalization
// (fullwidth Latin, mathematical alphanumerics, ligatures), zero-width
// stripping, control character removal and edge-whitespace trimming. The
// returned text is what gets persisted as the verbatim original request.
// Empty and oversized goals are rejected.
func SanitizeGoal(goal string) (string, error) {
	cleaned := zeroWidthChars.Replace(goal)
	cleaned = norm.NFKC.String(cleaned)

	var b strings.Builder
	b.Grow(len(cleaned))
	for _, r := range cleaned {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			continue
		}
		b.WriteRune(r)
	}
	cleaned = strings.TrimSpace(b.String())

	if cleaned == "" {
		return "", E(KindInvalidInput, "goal text is empty")
	}
	if len(cleaned) > MaxGoalBytes {
		return "", Ef(KindInvalidInput, "goal text exceeds %d bytes", MaxGoalBytes)
	}
	return cleaned, nil
}
