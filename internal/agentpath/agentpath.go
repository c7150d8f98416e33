// Package agentpath implements the LLM-driven decision path that is being
// rolled out as a replacement for the hand-written dialogue state machine.
// It reuses the same Answer Provider port: the model receives the full
// conversation state and returns a reply annotated with control tags.
package agentpath

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/chatfunnel/internal/dialogue"
	"github.com/ashureev/chatfunnel/internal/domain"
)

// Result is one agent-path turn outcome, comparable to the state machine's.
type Result struct {
	Mode     domain.Mode
	Intent   domain.IntentLevel
	Response string
	Latency  time.Duration
}

// Runner executes agent-path turns.
type Runner struct {
	provider dialogue.AnswerProvider
	timeout  time.Duration
}

// NewRunner creates an agent-path runner around the given provider. A
// non-positive timeout falls back to dialogue.DefaultAnswerTimeout.
func NewRunner(provider dialogue.AnswerProvider, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = dialogue.DefaultAnswerTimeout
	}
	return &Runner{provider: provider, timeout: timeout}
}

var (
	modeTagRe   = regexp.MustCompile(`(?i)\[mode:\s*([A-Z_]+)\s*\]`)
	intentTagRe = regexp.MustCompile(`(?i)\[intent:\s*([A-Z]+)\s*\]`)
)

var knownModes = map[domain.Mode]bool{
	domain.ModeInfo:          true,
	domain.ModeIntentCheck:   true,
	domain.ModeLeadCapture:   true,
	domain.ModeQualification: true,
	domain.ModeBooking:       true,
	domain.ModeClosure:       true,
}

var knownIntents = map[domain.IntentLevel]bool{
	domain.IntentLow:    true,
	domain.IntentMedium: true,
	domain.IntentHigh:   true,
}

// ProcessMessage runs one agent-path turn. The session is read-only here;
// in shadow mode the caller passes a Clone.
func (r *Runner) ProcessMessage(ctx context.Context, sess *domain.ConversationSession, turn dialogue.Turn, cfg domain.LeadCaptureConfig, instructions string) (*Result, error) {
	if r.provider == nil {
		return nil, fmt.Errorf("agent path: %w", domain.ErrRetrieval)
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ans, err := r.provider.Answer(callCtx, sess.ChatbotID, turn.Message, sess.RecentMessages(domain.MaxHistoryMessages), buildInstructions(sess, cfg, instructions))
	latency := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("agent path answer: %w", err)
	}
	if ans == nil || strings.TrimSpace(ans.Text) == "" {
		return nil, fmt.Errorf("agent path: empty answer: %w", domain.ErrRetrieval)
	}

	mode, intent, reply := parseTags(ans.Text, sess.Mode, sess.IntentLevel)
	return &Result{Mode: mode, Intent: intent, Response: reply, Latency: latency}, nil
}

// buildInstructions frames the conversation state for the model and asks it
// to tag its reply with the dialogue mode and intent it decided on.
func buildInstructions(sess *domain.ConversationSession, cfg domain.LeadCaptureConfig, base string) string {
	var b strings.Builder
	if base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	}
	b.WriteString("You manage a sales chat. Decide the next dialogue mode from: INFO, INTENT_CHECK, LEAD_CAPTURE, QUALIFICATION, BOOKING, CLOSURE.\n")
	fmt.Fprintf(&b, "Current mode: %s. Current visitor intent: %s. Messages so far: %d.\n", sess.Mode, sess.IntentLevel, sess.MessageCount)
	if cfg.LeadCaptureEnabled {
		fmt.Fprintf(&b, "Lead capture is enabled (trigger: %s).", cfg.Trigger)
		if sess.HasLead() {
			b.WriteString(" A lead is already captured; do not ask for contact details again.")
		}
		b.WriteString("\n")
	} else {
		b.WriteString("Lead capture is disabled; never ask for contact details.\n")
	}
	if cfg.BookingEnabled && cfg.BookingURL != "" {
		fmt.Fprintf(&b, "Booking link: %s\n", cfg.BookingURL)
	}
	b.WriteString("End your reply with tags on their own line: [mode:<MODE>] [intent:<LOW|MEDIUM|HIGH>]")
	return b.String()
}

// parseTags extracts the control tags and strips them from the reply text.
// Missing or unknown tags keep the session's current values.
func parseTags(text string, fallbackMode domain.Mode, fallbackIntent domain.IntentLevel) (domain.Mode, domain.IntentLevel, string) {
	mode := fallbackMode
	if m := modeTagRe.FindStringSubmatch(text); m != nil {
		if candidate := domain.Mode(strings.ToUpper(m[1])); knownModes[candidate] {
			mode = candidate
		}
	}

	intent := fallbackIntent
	if m := intentTagRe.FindStringSubmatch(text); m != nil {
		if candidate := domain.IntentLevel(strings.ToUpper(m[1])); knownIntents[candidate] {
			intent = candidate
		}
	}

	reply := modeTagRe.ReplaceAllString(text, "")
	reply = intentTagRe.ReplaceAllString(reply, "")
	return mode, intent, strings.TrimSpace(reply)
}
