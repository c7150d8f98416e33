// Package dialogue implements the conversation state machine that decides,
// turn by turn, whether to answer, probe intent, capture a lead, qualify,
// offer a booking, or close the conversation.
package dialogue

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/ashureev/chatfunnel/internal/intent"
	"github.com/ashureev/chatfunnel/internal/leadcap"
)

// Answer is what the external retrieval/LLM collaborator returns.
type Answer struct {
	Text       string
	Sources    []string
	Confidence float64
}

// AnswerProvider is the port to the external RAG/LLM answer service.
// Implementations must honor ctx deadlines.
type AnswerProvider interface {
	Answer(ctx context.Context, chatbotID, query string, history []domain.StoredMessage, instructions string) (*Answer, error)
}

// Turn is one inbound visitor message with page context.
type Turn struct {
	Message     string
	PageURL     string
	ReferrerURL string
}

// Result is the full transition computed for one turn. The machine never
// mutates the session; the caller applies the result atomically.
type Result struct {
	NextMode               domain.Mode
	Response               string
	Sources                []string
	Actions                []domain.Action
	NextIntentLevel        domain.IntentLevel
	NextSignals            []string
	NextCaptureStep        domain.LeadCaptureStep
	NextCapturePromptCount int
	NextQualificationStep  int
	NextBookingStatus      domain.BookingStatus
	ShouldCaptureLead      bool
	ShouldOfferBooking     bool
}

// DefaultAnswerTimeout bounds the Answer Provider call per turn.
const DefaultAnswerTimeout = 15 * time.Second

// historyWindow is how many recent turns are sent as answer context.
const historyWindow = 5

const fallbackApology = "Sorry, I'm having trouble answering right now. Could you try that again in a moment?"

const intentCheckPrompt = "By the way, would you like to leave your details so our team can follow up?"

const closureAck = "Thanks again! Feel free to ask if anything else comes up."

const bookingReprompt = "Just to confirm - would you like to book a call? A simple yes or no works."

// Machine orchestrates the intent scorer, the lead/qualification flow and
// the injected Answer Provider.
type Machine struct {
	provider AnswerProvider
	timeout  time.Duration
}

// NewMachine creates a state machine around the given answer provider.
// A non-positive timeout falls back to DefaultAnswerTimeout.
func NewMachine(provider AnswerProvider, timeout time.Duration) *Machine {
	if timeout <= 0 {
		timeout = DefaultAnswerTimeout
	}
	return &Machine{provider: provider, timeout: timeout}
}

// ProcessMessage computes the transition for one turn. Pure given its
// collaborators: the Answer Provider call is the only I/O, and its failure
// degrades to a fallback response without a mode change.
func (m *Machine) ProcessMessage(ctx context.Context, sess *domain.ConversationSession, turn Turn, cfg domain.LeadCaptureConfig, instructions string) Result {
	res := m.baseline(sess)

	switch sess.Mode {
	case domain.ModeInfo:
		m.handleInfo(ctx, sess, turn, cfg, instructions, &res)
	case domain.ModeIntentCheck:
		m.handleIntentCheck(ctx, sess, turn, cfg, instructions, &res)
	case domain.ModeLeadCapture:
		m.handleLeadCapture(sess, turn, cfg, &res)
	case domain.ModeQualification:
		m.handleQualification(sess, turn, cfg, &res)
	case domain.ModeBooking:
		m.handleBooking(sess, cfg, turn, &res)
	case domain.ModeClosure:
		m.handleClosure(ctx, sess, turn, instructions, &res)
	default:
		// Unknown persisted mode: recover into INFO rather than wedge.
		res.NextMode = domain.ModeInfo
		m.handleInfo(ctx, sess, turn, cfg, instructions, &res)
	}

	return res
}

// baseline seeds the result with the session's current sub-state so that
// untouched fields carry over unchanged.
func (m *Machine) baseline(sess *domain.ConversationSession) Result {
	return Result{
		NextMode:               sess.Mode,
		NextIntentLevel:        sess.IntentLevel,
		NextCaptureStep:        sess.LeadCaptureStep,
		NextCapturePromptCount: sess.CapturePromptCount,
		NextQualificationStep:  sess.QualificationStep,
		NextBookingStatus:      sess.BookingStatus,
	}
}

func (m *Machine) handleInfo(ctx context.Context, sess *domain.ConversationSession, turn Turn, cfg domain.LeadCaptureConfig, instructions string, res *Result) {
	det := intent.Detect(turn.Message, turn.PageURL, sess.IntentSignals, cfg.IntentKeywords, cfg.HighIntentPages)

	// Intent level never regresses within a session.
	res.NextIntentLevel = domain.MaxIntent(sess.IntentLevel, det.Level)
	res.NextSignals = det.Signals
	res.Actions = append(res.Actions, domain.UpdateIntent{Level: res.NextIntentLevel, Signals: det.Signals})

	res.Response, res.Sources = m.answer(ctx, sess, turn.Message, instructions)

	captureEligible := cfg.LeadCaptureEnabled && !sess.HasLead() && !sess.InCaptureFlow()
	if !captureEligible {
		return
	}

	if intent.IsExplicitBookingRequest(turn.Message) {
		// Explicit booking intent skips the soft intent check entirely.
		res.NextMode = domain.ModeLeadCapture
		res.NextCaptureStep = domain.StepAskEmail
		res.NextCapturePromptCount = 0
		res.ShouldCaptureLead = true
		res.Response = joinSentences(res.Response, leadcap.PromptEmail)
		return
	}

	if sess.MessageCount >= 2 && cfg.Trigger.Met(res.NextIntentLevel) {
		res.NextMode = domain.ModeIntentCheck
		res.ShouldCaptureLead = true
		res.Response = joinSentences(res.Response, intentCheckPrompt)
	}
}

func (m *Machine) handleIntentCheck(ctx context.Context, sess *domain.ConversationSession, turn Turn, cfg domain.LeadCaptureConfig, instructions string, res *Result) {
	switch classifyReply(turn.Message) {
	case replyAffirmative:
		if cfg.LeadCaptureEnabled {
			res.NextMode = domain.ModeLeadCapture
			res.NextCaptureStep = domain.StepAskEmail
			res.NextCapturePromptCount = 0
			res.ShouldCaptureLead = true
			res.Response = leadcap.PromptEmail
			return
		}
		res.NextMode = domain.ModeInfo
		res.Response = "Happy to keep helping - what else would you like to know?"
	case replyNegative:
		// Declining or deferring drops straight back to answering questions.
		res.NextMode = domain.ModeInfo
		res.Response = "No problem at all. What else can I help you with?"
	default:
		// Ambiguity defaults to INFO so we do not pester the visitor. If the
		// reply looks like a fresh question, answer it on the way back.
		res.NextMode = domain.ModeInfo
		if looksLikeQuestion(turn.Message) {
			res.Response, res.Sources = m.answer(ctx, sess, turn.Message, instructions)
			return
		}
		res.Response = "No worries. I'm here if you have more questions."
	}
}

func (m *Machine) handleLeadCapture(sess *domain.ConversationSession, turn Turn, cfg domain.LeadCaptureConfig, res *Result) {
	step := sess.LeadCaptureStep
	if step == "" {
		step = domain.StepAskEmail
	}

	stepRes := leadcap.AdvanceCapture(step, sess.CapturePromptCount, turn.Message, cfg)

	if stepRes.Reprompted {
		res.NextCaptureStep = step
		res.NextCapturePromptCount = sess.CapturePromptCount + 1
		res.Response = stepRes.Prompt
		return
	}

	res.NextCaptureStep = stepRes.NextStep
	res.NextCapturePromptCount = 0
	res.Response = stepRes.Prompt

	if stepRes.Email != "" || stepRes.Name != "" || stepRes.Reason != "" {
		res.Actions = append(res.Actions, domain.CaptureLead{Email: stepRes.Email, Name: stepRes.Name, Reason: stepRes.Reason})
	}
	if stepRes.Skipped {
		slog.Debug("lead capture step skipped after re-prompt budget",
			"chatbot_id", sess.ChatbotID, "session_key", sess.SessionKey, "step", string(step))
	}

	if stepRes.NextStep == domain.StepCompleted {
		m.afterCaptureComplete(cfg, res)
	}
}

func (m *Machine) handleQualification(sess *domain.ConversationSession, turn Turn, cfg domain.LeadCaptureConfig, res *Result) {
	q := leadcap.AdvanceQualification(sess.QualificationStep, turn.Message, cfg.QualificationQs)

	if q.AnsweredQuestionID != "" {
		res.Actions = append(res.Actions, domain.SaveQualification{QuestionID: q.AnsweredQuestionID, Answer: q.Answer})
	}
	res.NextQualificationStep = q.NextStep

	if q.Done {
		m.offerBookingOrClose(cfg, res)
		return
	}
	res.Response = q.NextQuestion
}

func (m *Machine) handleBooking(sess *domain.ConversationSession, cfg domain.LeadCaptureConfig, turn Turn, res *Result) {
	switch classifyReply(turn.Message) {
	case replyAffirmative:
		res.NextBookingStatus = domain.BookingAccepted
		res.NextMode = domain.ModeClosure
		confirmation := "You're booked in - we look forward to speaking with you!"
		if cfg.BookingURL != "" {
			confirmation = "Great - grab a time that suits you here: " + cfg.BookingURL
		}
		res.Response = joinSentences(confirmation, closureMessage(cfg))
	case replyNegative:
		res.NextBookingStatus = domain.BookingDeclined
		res.NextMode = domain.ModeClosure
		res.Response = closureMessage(cfg)
	default:
		res.Response = bookingReprompt
	}
}

func (m *Machine) handleClosure(ctx context.Context, sess *domain.ConversationSession, turn Turn, instructions string, res *Result) {
	if looksLikeQuestion(turn.Message) {
		res.NextMode = domain.ModeInfo
		res.Response, res.Sources = m.answer(ctx, sess, turn.Message, instructions)
		return
	}
	res.Response = closureAck
}

// afterCaptureComplete routes a finished capture flow into qualification,
// booking, or closure.
func (m *Machine) afterCaptureComplete(cfg domain.LeadCaptureConfig, res *Result) {
	if len(cfg.QualificationQs) > 0 {
		res.NextMode = domain.ModeQualification
		res.NextQualificationStep = 0
		res.Response = joinSentences(res.Response, leadcap.FirstQuestion(cfg.QualificationQs))
		return
	}
	m.offerBookingOrClose(cfg, res)
}

// offerBookingOrClose is the shared exit rule after capture/qualification.
func (m *Machine) offerBookingOrClose(cfg domain.LeadCaptureConfig, res *Result) {
	if cfg.BookingEnabled {
		res.NextMode = domain.ModeBooking
		res.NextBookingStatus = domain.BookingOffered
		res.ShouldOfferBooking = true
		offer := cfg.BookingOfferMessage
		if offer == "" {
			offer = leadcap.PromptBookingOffer
		}
		res.Response = joinSentences(res.Response, offer)
		return
	}
	res.NextMode = domain.ModeClosure
	res.Response = joinSentences(res.Response, closureMessage(cfg))
}

// answer calls the provider with a bounded timeout. Failures degrade to the
// fallback apology; dialogue continuity beats surfacing retrieval errors.
func (m *Machine) answer(ctx context.Context, sess *domain.ConversationSession, query, instructions string) (string, []string) {
	if m.provider == nil {
		return fallbackApology, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	ans, err := m.provider.Answer(callCtx, sess.ChatbotID, query, sess.RecentMessages(historyWindow), instructions)
	if err != nil || ans == nil {
		slog.Warn("answer provider failed, using fallback",
			"chatbot_id", sess.ChatbotID, "session_key", sess.SessionKey, "error", err)
		return fallbackApology, nil
	}
	return ans.Text, ans.Sources
}

func closureMessage(cfg domain.LeadCaptureConfig) string {
	if cfg.ClosureMessage != "" {
		return cfg.ClosureMessage
	}
	return leadcap.PromptClosureThanks
}

func joinSentences(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + "\n\n" + b
}
