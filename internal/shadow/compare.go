// Package shadow runs the agent decision path alongside the state machine
// and records how closely the two agree, without ever affecting the reply
// the visitor sees.
package shadow

import (
	"regexp"
	"strings"

	"github.com/ashureev/chatfunnel/internal/domain"
)

// modeEquivalents maps each mode to the set of modes treated as matching.
// INFO and INTENT_CHECK are interchangeable: both answer the visitor, they
// only differ in whether a soft follow-up question is attached.
var modeEquivalents = map[domain.Mode]map[domain.Mode]bool{
	domain.ModeInfo:          {domain.ModeInfo: true, domain.ModeIntentCheck: true},
	domain.ModeIntentCheck:   {domain.ModeIntentCheck: true, domain.ModeInfo: true},
	domain.ModeLeadCapture:   {domain.ModeLeadCapture: true},
	domain.ModeQualification: {domain.ModeQualification: true},
	domain.ModeBooking:       {domain.ModeBooking: true},
	domain.ModeClosure:       {domain.ModeClosure: true},
}

// ModesEquivalent reports whether two modes count as a match.
func ModesEquivalent(a, b domain.Mode) bool {
	return modeEquivalents[a][b]
}

var wordRe = regexp.MustCompile(`[a-z0-9']+`)

// wordSet lower-cases a response and splits it into its unique words.
func wordSet(s string) map[string]bool {
	words := wordRe.FindAllString(strings.ToLower(s), -1)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// Jaccard returns the word-set similarity of two responses in [0,1].
// Two empty responses are identical by convention.
func Jaccard(a, b string) float64 {
	sa, sb := wordSet(a), wordSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	intersection := 0
	for w := range sa {
		if sb[w] {
			intersection++
		}
	}
	union := len(sa) + len(sb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Score fills in the derived comparison fields: mode/intent matches, the
// response similarity, and the weighted alignment score (50 points for
// mode agreement, 25 for intent, 25 scaled by similarity). A failed agent
// turn scores zero across the board.
func Score(c *domain.ShadowComparison) {
	if c.AgentFailed {
		c.ModeMatches = false
		c.IntentMatches = false
		c.ResponseSimilarity = 0
		c.AlignmentScore = 0
		return
	}

	c.ModeMatches = ModesEquivalent(c.PrimaryMode, c.AgentMode)
	c.IntentMatches = c.PrimaryIntent == c.AgentIntent
	c.ResponseSimilarity = Jaccard(c.PrimaryResponse, c.AgentResponse)

	score := 0.0
	if c.ModeMatches {
		score += 50
	}
	if c.IntentMatches {
		score += 25
	}
	score += 25 * c.ResponseSimilarity
	c.AlignmentScore = score
}
