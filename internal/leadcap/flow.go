package leadcap

import (
	"github.com/ashureev/chatfunnel/internal/domain"
)

// MaxCapturePrompts bounds the re-prompt cycle on a single capture step.
// After this many failed validations the step is skipped instead of looping.
const MaxCapturePrompts = 3

// Default prompts for the capture sub-flow.
const (
	PromptEmail         = "Great! What's the best email address to reach you at?"
	PromptEmailRetry    = "Hmm, that doesn't look like a valid email address. Could you double-check it?"
	PromptName          = "Thanks! And what's your name?"
	PromptNameRetry     = "Sorry, I didn't catch that. What name should we use?"
	PromptReason        = "Got it. What brings you here today?"
	PromptCaptureDone   = "Perfect, you're all set."
	PromptBookingOffer  = "Would you like to book a quick call with our team?"
	PromptClosureThanks = "Thanks for chatting with us! We'll be in touch soon."
)

// CaptureResult is the outcome of one lead-capture turn.
type CaptureResult struct {
	NextStep domain.LeadCaptureStep
	Prompt   string
	Email    string
	Name     string
	Reason   string
	// Reprompted is true when validation failed and the step did not advance.
	Reprompted bool
	// Skipped is true when the re-prompt budget ran out and the step was
	// abandoned without a value.
	Skipped bool
}

// Advanced reports whether the flow moved past the current step this turn.
func (r CaptureResult) Advanced() bool { return !r.Reprompted }

// AdvanceCapture processes one visitor message against the current capture
// step. promptCount is the number of failed attempts already spent on this
// step. Pure: the caller applies the result to the session.
func AdvanceCapture(step domain.LeadCaptureStep, promptCount int, message string, cfg domain.LeadCaptureConfig) CaptureResult {
	switch step {
	case domain.StepAskEmail:
		email := ExtractEmail(message)
		if email == "" {
			if promptCount+1 >= MaxCapturePrompts {
				return skipTo(nextStep(domain.StepAskEmail, cfg))
			}
			return CaptureResult{NextStep: domain.StepAskEmail, Prompt: PromptEmailRetry, Reprompted: true}
		}
		res := advanceTo(nextStep(domain.StepAskEmail, cfg))
		res.Email = email
		return res

	case domain.StepAskName:
		name := ExtractName(message)
		if name == "" && promptCount > 0 {
			// One explicit re-prompt cycle, then accept the raw message.
			name = FallbackName(message)
		}
		if name == "" {
			if promptCount+1 >= MaxCapturePrompts {
				return skipTo(nextStep(domain.StepAskName, cfg))
			}
			return CaptureResult{NextStep: domain.StepAskName, Prompt: PromptNameRetry, Reprompted: true}
		}
		res := advanceTo(nextStep(domain.StepAskName, cfg))
		res.Name = name
		return res

	case domain.StepAskReason:
		res := advanceTo(domain.StepCompleted)
		res.Reason = message
		return res

	default:
		return advanceTo(domain.StepCompleted)
	}
}

// nextStep returns the step after the given one, honoring the
// require_name/require_reason toggles.
func nextStep(step domain.LeadCaptureStep, cfg domain.LeadCaptureConfig) domain.LeadCaptureStep {
	switch step {
	case domain.StepAskEmail:
		if cfg.RequireName {
			return domain.StepAskName
		}
		fallthrough
	case domain.StepAskName:
		if cfg.RequireReason {
			return domain.StepAskReason
		}
		fallthrough
	default:
		return domain.StepCompleted
	}
}

func advanceTo(step domain.LeadCaptureStep) CaptureResult {
	return CaptureResult{NextStep: step, Prompt: promptFor(step)}
}

func skipTo(step domain.LeadCaptureStep) CaptureResult {
	res := advanceTo(step)
	res.Skipped = true
	return res
}

func promptFor(step domain.LeadCaptureStep) string {
	switch step {
	case domain.StepAskEmail:
		return PromptEmail
	case domain.StepAskName:
		return PromptName
	case domain.StepAskReason:
		return PromptReason
	default:
		return PromptCaptureDone
	}
}

// QualificationResult is the outcome of one qualification turn.
type QualificationResult struct {
	// AnsweredQuestionID is the id of the question the message answered,
	// empty if the step index was out of range.
	AnsweredQuestionID string
	Answer             string
	NextStep           int
	NextQuestion       string
	Done               bool
}

// AdvanceQualification stores the message as the answer to the question at
// stepIdx and yields the next question, or Done when the list is exhausted.
func AdvanceQualification(stepIdx int, message string, qs []domain.QualificationQuestion) QualificationResult {
	res := QualificationResult{NextStep: stepIdx + 1}
	if stepIdx >= 0 && stepIdx < len(qs) {
		res.AnsweredQuestionID = qs[stepIdx].ID
		res.Answer = message
	} else {
		res.NextStep = len(qs)
	}
	if res.NextStep >= len(qs) {
		res.Done = true
		return res
	}
	res.NextQuestion = qs[res.NextStep].Text
	return res
}

// FirstQuestion returns the opening qualification question, or "" when none
// are configured.
func FirstQuestion(qs []domain.QualificationQuestion) string {
	if len(qs) == 0 {
		return ""
	}
	return qs[0].Text
}
