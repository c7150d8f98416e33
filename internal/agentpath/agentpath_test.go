package agentpath

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/chatfunnel/internal/dialogue"
	"github.com/ashureev/chatfunnel/internal/domain"
)

type stubProvider struct {
	text string
	err  error
}

func (s *stubProvider) Answer(ctx context.Context, chatbotID, query string, history []domain.StoredMessage, instructions string) (*dialogue.Answer, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &dialogue.Answer{Text: s.text}, nil
}

func newSession() *domain.ConversationSession {
	return domain.NewConversationSession("sess-1", "bot-1", "key-1", time.Now())
}

func TestProcessMessageParsesTags(t *testing.T) {
	t.Parallel()
	r := NewRunner(&stubProvider{text: "Plans start at $29 a month.\n[mode:INTENT_CHECK] [intent:MEDIUM]"}, time.Second)

	res, err := r.ProcessMessage(context.Background(), newSession(), dialogue.Turn{Message: "how much?"}, domain.LeadCaptureConfig{}, "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Mode != domain.ModeIntentCheck {
		t.Errorf("Mode = %q, want INTENT_CHECK", res.Mode)
	}
	if res.Intent != domain.IntentMedium {
		t.Errorf("Intent = %q, want MEDIUM", res.Intent)
	}
	if strings.Contains(res.Response, "[mode:") || strings.Contains(res.Response, "[intent:") {
		t.Errorf("tags not stripped from reply: %q", res.Response)
	}
	if res.Response != "Plans start at $29 a month." {
		t.Errorf("Response = %q", res.Response)
	}
}

func TestProcessMessageMissingTagsKeepCurrentState(t *testing.T) {
	t.Parallel()
	r := NewRunner(&stubProvider{text: "We integrate with most CRMs."}, time.Second)

	sess := newSession()
	sess.Mode = domain.ModeIntentCheck
	sess.IntentLevel = domain.IntentHigh

	res, err := r.ProcessMessage(context.Background(), sess, dialogue.Turn{Message: "does it integrate?"}, domain.LeadCaptureConfig{}, "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Mode != domain.ModeIntentCheck || res.Intent != domain.IntentHigh {
		t.Errorf("missing tags changed state: mode=%q intent=%q", res.Mode, res.Intent)
	}
}

func TestProcessMessageUnknownTagIgnored(t *testing.T) {
	t.Parallel()
	r := NewRunner(&stubProvider{text: "Sure.\n[mode:UPSELL] [intent:EXTREME]"}, time.Second)

	res, err := r.ProcessMessage(context.Background(), newSession(), dialogue.Turn{Message: "ok"}, domain.LeadCaptureConfig{}, "")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Mode != domain.ModeInfo || res.Intent != domain.IntentLow {
		t.Errorf("unknown tags changed state: mode=%q intent=%q", res.Mode, res.Intent)
	}
	if res.Response != "Sure." {
		t.Errorf("Response = %q, want tags stripped even when unknown", res.Response)
	}
}

func TestProcessMessageProviderFailure(t *testing.T) {
	t.Parallel()
	r := NewRunner(&stubProvider{err: errors.New("upstream down")}, time.Second)

	_, err := r.ProcessMessage(context.Background(), newSession(), dialogue.Turn{Message: "hello"}, domain.LeadCaptureConfig{}, "")
	if err == nil {
		t.Fatal("expected error from failing provider")
	}
}

func TestProcessMessageEmptyAnswer(t *testing.T) {
	t.Parallel()
	r := NewRunner(&stubProvider{text: "   "}, time.Second)

	_, err := r.ProcessMessage(context.Background(), newSession(), dialogue.Turn{Message: "hello"}, domain.LeadCaptureConfig{}, "")
	if !errors.Is(err, domain.ErrRetrieval) {
		t.Errorf("error = %v, want ErrRetrieval for empty answer", err)
	}
}

func TestBuildInstructionsMentionsState(t *testing.T) {
	t.Parallel()
	sess := newSession()
	sess.Mode = domain.ModeBooking
	sess.LeadID = "lead-1"

	got := buildInstructions(sess, domain.LeadCaptureConfig{
		LeadCaptureEnabled: true,
		Trigger:            domain.TriggerHighIntent,
		BookingEnabled:     true,
		BookingURL:         "https://cal.example.com/team",
	}, "Be concise.")

	for _, want := range []string{"Be concise.", "Current mode: BOOKING", "HIGH_INTENT", "do not ask for contact details again", "https://cal.example.com/team", "[mode:<MODE>]"} {
		if !strings.Contains(got, want) {
			t.Errorf("instructions missing %q", want)
		}
	}
}
