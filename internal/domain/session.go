// Package domain contains core domain types for the ChatFunnel engine.
package domain

import (
	"sort"
	"time"
)

// Mode identifies the dialogue state a conversation is in.
type Mode string

const (
	ModeInfo          Mode = "INFO"
	ModeIntentCheck   Mode = "INTENT_CHECK"
	ModeLeadCapture   Mode = "LEAD_CAPTURE"
	ModeQualification Mode = "QUALIFICATION"
	ModeBooking       Mode = "BOOKING"
	ModeClosure       Mode = "CLOSURE"
)

// IntentLevel is the coarse visitor-readiness classification.
type IntentLevel string

const (
	IntentLow    IntentLevel = "LOW"
	IntentMedium IntentLevel = "MEDIUM"
	IntentHigh   IntentLevel = "HIGH"
)

// intentRank orders levels LOW < MEDIUM < HIGH.
var intentRank = map[IntentLevel]int{
	IntentLow:    0,
	IntentMedium: 1,
	IntentHigh:   2,
}

// AtLeast reports whether l is at or above threshold on the LOW<MEDIUM<HIGH ordering.
func (l IntentLevel) AtLeast(threshold IntentLevel) bool {
	return intentRank[l] >= intentRank[threshold]
}

// MaxIntent returns the higher of two intent levels.
func MaxIntent(a, b IntentLevel) IntentLevel {
	if intentRank[b] > intentRank[a] {
		return b
	}
	return a
}

// LeadCaptureStep identifies the position in the lead-capture sub-flow.
type LeadCaptureStep string

const (
	StepAskEmail  LeadCaptureStep = "ASK_EMAIL"
	StepAskName   LeadCaptureStep = "ASK_NAME"
	StepAskReason LeadCaptureStep = "ASK_REASON"
	StepCompleted LeadCaptureStep = "COMPLETED"
)

// BookingStatus tracks the booking offer outcome for a session.
type BookingStatus string

const (
	BookingNone     BookingStatus = "NONE"
	BookingOffered  BookingStatus = "OFFERED"
	BookingAccepted BookingStatus = "ACCEPTED"
	BookingDeclined BookingStatus = "DECLINED"
)

// MaxHistoryMessages caps the per-session message history; oldest entries
// are dropped first.
const MaxHistoryMessages = 10

// StoredMessage is one entry of the bounded message history.
type StoredMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationSession is the per-(chatbot, visitor session) state mutated
// after every turn. A closed session (ClosedAt non-nil) is terminal.
type ConversationSession struct {
	ID                   string
	ChatbotID            string
	SessionKey           string
	Mode                 Mode
	IntentLevel          IntentLevel
	IntentSignals        map[string]bool
	LeadCaptureStep      LeadCaptureStep // empty when the capture flow has not started
	CapturePromptCount   int
	QualificationStep    int
	QualificationAnswers map[string]string
	MessageHistory       []StoredMessage
	MessageCount         int
	LeadID               string
	BookingStatus        BookingStatus
	Version              int64
	StartedAt            time.Time
	LastActivityAt       time.Time
	ClosedAt             *time.Time
}

// NewConversationSession creates an open session in INFO mode. id is the
// fresh internal identifier; sessionKey is the external widget session key,
// which survives expiry rollover.
func NewConversationSession(id, chatbotID, sessionKey string, now time.Time) *ConversationSession {
	return &ConversationSession{
		ID:                   id,
		ChatbotID:            chatbotID,
		SessionKey:           sessionKey,
		Mode:                 ModeInfo,
		IntentLevel:          IntentLow,
		IntentSignals:        make(map[string]bool),
		QualificationAnswers: make(map[string]string),
		BookingStatus:        BookingNone,
		StartedAt:            now,
		LastActivityAt:       now,
	}
}

// IsClosed reports whether the session is terminal.
func (s *ConversationSession) IsClosed() bool {
	return s.ClosedAt != nil
}

// Expired reports whether the session has been inactive longer than ttl.
func (s *ConversationSession) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(s.LastActivityAt) > ttl
}

// InCaptureFlow reports whether the lead-capture sub-flow has started.
func (s *ConversationSession) InCaptureFlow() bool {
	return s.LeadCaptureStep != "" && s.LeadCaptureStep != StepCompleted
}

// HasLead reports whether a lead has been captured for this session.
func (s *ConversationSession) HasLead() bool {
	return s.LeadID != ""
}

// AppendMessage adds one history entry, dropping the oldest beyond the cap,
// and increments the monotonic message counter.
func (s *ConversationSession) AppendMessage(role, content string) {
	s.MessageHistory = append(s.MessageHistory, StoredMessage{Role: role, Content: content})
	if len(s.MessageHistory) > MaxHistoryMessages {
		s.MessageHistory = s.MessageHistory[len(s.MessageHistory)-MaxHistoryMessages:]
	}
	s.MessageCount++
}

// RecentMessages returns up to n most recent history entries.
func (s *ConversationSession) RecentMessages(n int) []StoredMessage {
	if n >= len(s.MessageHistory) {
		return s.MessageHistory
	}
	return s.MessageHistory[len(s.MessageHistory)-n:]
}

// MergeSignals unions new signals into the session set. Signals are never
// removed, which keeps intent level monotonically non-decreasing.
func (s *ConversationSession) MergeSignals(signals []string) {
	if s.IntentSignals == nil {
		s.IntentSignals = make(map[string]bool)
	}
	for _, sig := range signals {
		s.IntentSignals[sig] = true
	}
}

// Clone returns a deep copy safe to hand to a concurrently running shadow
// path while the original keeps being mutated.
func (s *ConversationSession) Clone() *ConversationSession {
	dup := *s
	dup.IntentSignals = make(map[string]bool, len(s.IntentSignals))
	for k, v := range s.IntentSignals {
		dup.IntentSignals[k] = v
	}
	dup.QualificationAnswers = make(map[string]string, len(s.QualificationAnswers))
	for k, v := range s.QualificationAnswers {
		dup.QualificationAnswers[k] = v
	}
	dup.MessageHistory = append([]StoredMessage(nil), s.MessageHistory...)
	if s.ClosedAt != nil {
		closed := *s.ClosedAt
		dup.ClosedAt = &closed
	}
	return &dup
}

// SignalList returns the signal set as a sorted slice for persistence and
// deterministic comparison in tests.
func (s *ConversationSession) SignalList() []string {
	out := make([]string, 0, len(s.IntentSignals))
	for sig := range s.IntentSignals {
		out = append(out, sig)
	}
	sort.Strings(out)
	return out
}
