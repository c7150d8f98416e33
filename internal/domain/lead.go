package domain

import "time"

// TriggerThreshold controls when the capture flow may start.
type TriggerThreshold string

const (
	TriggerAlways       TriggerThreshold = "ALWAYS"
	TriggerMediumIntent TriggerThreshold = "MEDIUM_INTENT"
	TriggerHighIntent   TriggerThreshold = "HIGH_INTENT"
)

// Met reports whether the given intent level satisfies the threshold.
func (t TriggerThreshold) Met(level IntentLevel) bool {
	switch t {
	case TriggerAlways:
		return true
	case TriggerMediumIntent:
		return level.AtLeast(IntentMedium)
	case TriggerHighIntent:
		return level.AtLeast(IntentHigh)
	default:
		return false
	}
}

// QualificationQuestion is one pre-configured follow-up question.
type QualificationQuestion struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// LeadCaptureConfig is the immutable per-turn snapshot of chatbot settings.
// The engine never persists it; the caller re-reads it each turn.
type LeadCaptureConfig struct {
	LeadCaptureEnabled  bool
	Trigger             TriggerThreshold
	RequireName         bool
	RequireReason       bool
	BookingEnabled      bool
	BookingURL          string
	QualificationQs     []QualificationQuestion
	IntentKeywords      []string
	HighIntentPages     []string
	ClosureMessage      string
	BookingOfferMessage string
}

// Lead is a captured visitor contact record.
type Lead struct {
	ID        string
	ChatbotID string
	SessionID string
	Email     string
	Name      string
	Reason    string
	Answers   map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}
