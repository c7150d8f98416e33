// Package intent scores visitor readiness from message and page signals.
package intent

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ashureev/chatfunnel/internal/domain"
)

// defaultHighIntentPages are URL fragments that mark high-intent pages.
// Caller-supplied patterns are unioned with this set.
var defaultHighIntentPages = []string{
	"/pricing",
	"/price",
	"/plans",
	"/book",
	"/booking",
	"/demo",
	"/contact",
	"/get-started",
	"/signup",
	"/trial",
}

const (
	signalKeywordPrefix  = "keyword:"
	signalPageHighIntent = "page:high_intent"
)

var (
	bookingRequestRe = regexp.MustCompile(`(?i)\b(book|schedule|arrange|set up|setup)\b.{0,40}\b(call|demo|meeting|appointment|consultation)\b|\b(talk|speak)\s+to\s+(sales|someone|a human|an agent)\b`)
	pricingRequestRe = regexp.MustCompile(`(?i)\b(how much|pricing|price|cost|costs|quote|quotation)\b`)
)

// Result is the ephemeral outcome of one detection pass. Signals is the
// merged union of the existing set and any new hits, so folding it back into
// the session can only grow the signal set.
type Result struct {
	Level         domain.IntentLevel
	Signals       []string
	KeywordsFound []string
	PageBoost     bool
}

// Detect scores one message against the configured keyword list and page
// patterns. Deterministic, no I/O.
func Detect(message, pageURL string, existing map[string]bool, keywords, highIntentPages []string) Result {
	lower := strings.ToLower(message)

	seen := make(map[string]bool)
	var found []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] {
			continue
		}
		if strings.Contains(lower, kw) {
			seen[kw] = true
			found = append(found, kw)
		}
	}
	sort.Strings(found)

	boost := pageHasHighIntent(pageURL, highIntentPages)

	merged := make(map[string]bool, len(existing)+len(found)+1)
	for sig := range existing {
		merged[sig] = true
	}
	for _, kw := range found {
		merged[signalKeywordPrefix+kw] = true
	}
	if boost {
		merged[signalPageHighIntent] = true
	}

	signals := make([]string, 0, len(merged))
	for sig := range merged {
		signals = append(signals, sig)
	}
	sort.Strings(signals)

	return Result{
		Level:         levelFor(merged),
		Signals:       signals,
		KeywordsFound: found,
		PageBoost:     boost,
	}
}

// levelFor derives the level from the merged signal set: the number of
// distinct keyword signals, plus one if the page boost fired.
// >=3 effective signals is HIGH, >=1 is MEDIUM, else LOW.
func levelFor(signals map[string]bool) domain.IntentLevel {
	effective := 0
	for sig := range signals {
		if strings.HasPrefix(sig, signalKeywordPrefix) {
			effective++
		}
	}
	if signals[signalPageHighIntent] {
		effective++
	}
	switch {
	case effective >= 3:
		return domain.IntentHigh
	case effective >= 1:
		return domain.IntentMedium
	default:
		return domain.IntentLow
	}
}

func pageHasHighIntent(pageURL string, extra []string) bool {
	if pageURL == "" {
		return false
	}
	lower := strings.ToLower(pageURL)
	for _, p := range defaultHighIntentPages {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, p := range extra {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsExplicitBookingRequest reports whether the message directly asks to book
// a call/demo/meeting. Used to short-circuit the intent-check step.
func IsExplicitBookingRequest(message string) bool {
	return bookingRequestRe.MatchString(message)
}

// IsPricingRequest reports whether the message asks about pricing.
func IsPricingRequest(message string) bool {
	return pricingRequestRe.MatchString(message)
}
