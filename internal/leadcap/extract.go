// Package leadcap implements the lead-capture and qualification sub-flows.
package leadcap

import (
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

	// The two supported name phrasings, plus a bare capitalized-token
	// fallback. Known precision/recall tradeoff: names outside these
	// patterns fall through to the raw-message fallback after one re-prompt.
	namePhraseRe = regexp.MustCompile(`(?i)\b(?:my name is|i am|i'm|this is)\s+([A-Za-z][A-Za-z'\-]+(?:\s+[A-Za-z][A-Za-z'\-]+)?)`)
	bareNameRe   = regexp.MustCompile(`^\s*([A-Z][a-z'\-]+(?:\s+[A-Z][a-z'\-]+)?)\s*$`)
	digitRe      = regexp.MustCompile(`[0-9]`)
)

// ExtractEmail returns the first well-formed email address in the message,
// lower-cased, or "" if none is present.
func ExtractEmail(message string) string {
	m := emailRe.FindString(message)
	if m == "" {
		return ""
	}
	return strings.ToLower(m)
}

// ExtractName pulls a plausible visitor name from the message. Returns ""
// when nothing passes validation.
func ExtractName(message string) string {
	if m := namePhraseRe.FindStringSubmatch(message); m != nil {
		if name := validateName(m[1]); name != "" {
			return name
		}
	}
	if m := bareNameRe.FindStringSubmatch(message); m != nil {
		if name := validateName(m[1]); name != "" {
			return name
		}
	}
	return ""
}

// validateName enforces 2-50 chars and no digits.
func validateName(raw string) string {
	name := strings.TrimSpace(raw)
	if len(name) < 2 || len(name) > 50 {
		return ""
	}
	if digitRe.MatchString(name) {
		return ""
	}
	return name
}

// FallbackName accepts the raw trimmed message as a name after the re-prompt
// cycle was exhausted, applying only the length/digit sanity check.
func FallbackName(message string) string {
	return validateName(message)
}
