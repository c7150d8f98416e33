package dialogue

import "regexp"

// replyClass buckets a visitor reply for the intent-check and booking steps.
type replyClass int

const (
	replyAmbiguous replyClass = iota
	replyAffirmative
	replyNegative
)

var (
	affirmativeRe = regexp.MustCompile(`(?i)^\s*(yes|yeah|yep|yup|sure|ok|okay|absolutely|definitely|of course|sounds good|please do|go ahead|why not)\b|\b(yes please|let's do it|i'd love to)\b`)

	negativeRe = regexp.MustCompile(`(?i)^\s*(no|nope|nah|not now|not really|no thanks|no thank you)\b|\b(maybe later|not interested|just looking|just browsing|another time|some other time)\b`)

	questionRe = regexp.MustCompile(`\?|(?i)^\s*(what|how|why|when|where|who|which|can|could|would|will|does|do|is|are|should)\b`)
)

// classifyReply applies the affirmative and declining pattern sets
// independently; a reply matching neither (or both) is ambiguous.
func classifyReply(message string) replyClass {
	aff := affirmativeRe.MatchString(message)
	neg := negativeRe.MatchString(message)
	switch {
	case aff && !neg:
		return replyAffirmative
	case neg && !aff:
		return replyNegative
	default:
		return replyAmbiguous
	}
}

// looksLikeQuestion reports whether the message reads as a fresh question,
// used to re-enter INFO from CLOSURE and after ambiguous intent checks.
func looksLikeQuestion(message string) bool {
	return questionRe.MatchString(message)
}
