package shadow

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/chatfunnel/internal/agentpath"
	"github.com/ashureev/chatfunnel/internal/dialogue"
	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/ashureev/chatfunnel/internal/store"
)

func TestModesEquivalent(t *testing.T) {
	t.Parallel()
	cases := []struct {
		a, b domain.Mode
		want bool
	}{
		{domain.ModeInfo, domain.ModeInfo, true},
		{domain.ModeInfo, domain.ModeIntentCheck, true},
		{domain.ModeIntentCheck, domain.ModeInfo, true},
		{domain.ModeLeadCapture, domain.ModeLeadCapture, true},
		{domain.ModeInfo, domain.ModeLeadCapture, false},
		{domain.ModeBooking, domain.ModeClosure, false},
	}
	for _, tc := range cases {
		if got := ModesEquivalent(tc.a, tc.b); got != tc.want {
			t.Errorf("ModesEquivalent(%s, %s) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestJaccard(t *testing.T) {
	t.Parallel()
	if got := Jaccard("plans start at $29", "plans start at $29"); got != 1 {
		t.Errorf("identical responses = %v, want 1", got)
	}
	if got := Jaccard("", ""); got != 1 {
		t.Errorf("two empty responses = %v, want 1", got)
	}
	if got := Jaccard("hello there", "completely different words"); got != 0 {
		t.Errorf("disjoint responses = %v, want 0", got)
	}
	// "our plans start" vs "plans start here": intersection 2, union 4.
	if got := Jaccard("our plans start", "plans start here"); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("partial overlap = %v, want 0.5", got)
	}
	// Case and punctuation are ignored.
	if got := Jaccard("Hello, World!", "hello world"); got != 1 {
		t.Errorf("case/punctuation sensitivity: %v, want 1", got)
	}
}

func TestScoreEquivalentModes(t *testing.T) {
	t.Parallel()
	// The state machine went INFO, the agent went INTENT_CHECK with an
	// unrelated reply and a different intent: only the mode should count.
	cmp := &domain.ShadowComparison{
		PrimaryMode:     domain.ModeInfo,
		PrimaryIntent:   domain.IntentLow,
		PrimaryResponse: "here is what our product does",
		AgentMode:       domain.ModeIntentCheck,
		AgentIntent:     domain.IntentMedium,
		AgentResponse:   "totally unrelated words entirely",
	}
	Score(cmp)

	if !cmp.ModeMatches {
		t.Error("INFO vs INTENT_CHECK must count as a mode match")
	}
	if cmp.IntentMatches {
		t.Error("LOW vs MEDIUM must not count as an intent match")
	}
	if cmp.AlignmentScore != 50 {
		t.Errorf("AlignmentScore = %v, want 50", cmp.AlignmentScore)
	}
}

func TestScorePerfectAgreement(t *testing.T) {
	t.Parallel()
	cmp := &domain.ShadowComparison{
		PrimaryMode:     domain.ModeBooking,
		PrimaryIntent:   domain.IntentHigh,
		PrimaryResponse: "would you like to book a call?",
		AgentMode:       domain.ModeBooking,
		AgentIntent:     domain.IntentHigh,
		AgentResponse:   "would you like to book a call?",
	}
	Score(cmp)

	if cmp.AlignmentScore != 100 {
		t.Errorf("AlignmentScore = %v, want 100", cmp.AlignmentScore)
	}
	if cmp.ResponseSimilarity != 1 {
		t.Errorf("ResponseSimilarity = %v, want 1", cmp.ResponseSimilarity)
	}
}

func TestScoreAgentFailure(t *testing.T) {
	t.Parallel()
	cmp := &domain.ShadowComparison{
		PrimaryMode:     domain.ModeInfo,
		PrimaryIntent:   domain.IntentLow,
		PrimaryResponse: "hello",
		AgentFailed:     true,
	}
	Score(cmp)

	if cmp.ModeMatches || cmp.IntentMatches {
		t.Error("failed agent turn must not match anything")
	}
	if cmp.ResponseSimilarity != 0 || cmp.AlignmentScore != 0 {
		t.Errorf("failed agent turn scored sim=%v align=%v, want zeros", cmp.ResponseSimilarity, cmp.AlignmentScore)
	}
}

type scriptedProvider struct {
	text string
	err  error
}

func (p *scriptedProvider) Answer(ctx context.Context, chatbotID, query string, history []domain.StoredMessage, instructions string) (*dialogue.Answer, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &dialogue.Answer{Text: p.text}, nil
}

func newTestRunner(t *testing.T, provider dialogue.AnswerProvider) (*Runner, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "shadow.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	agent := agentpath.NewRunner(provider, time.Second)
	return NewRunner(repo, agent, time.Second, true), repo
}

func TestBeginRecordsComparison(t *testing.T) {
	t.Parallel()
	r, repo := newTestRunner(t, &scriptedProvider{text: "plans start at $29\n[mode:INFO] [intent:MEDIUM]"})

	sess := domain.NewConversationSession("sess-1", "bot-1", "key-1", time.Now())
	obs := r.Begin(sess.Clone(), dialogue.Turn{Message: "how much?"}, domain.LeadCaptureConfig{}, "")
	obs.Complete(PrimaryOutcome{Mode: domain.ModeInfo, Intent: domain.IntentMedium, Response: "plans start at $29", Latency: 50 * time.Millisecond})
	r.Wait()

	stats, err := repo.GetShadowStats(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("GetShadowStats: %v", err)
	}
	if stats.Comparisons != 1 {
		t.Fatalf("Comparisons = %d, want 1", stats.Comparisons)
	}
	if stats.ModeMatchRate != 1 || stats.IntentMatchRate != 1 {
		t.Errorf("match rates = %v/%v, want 1/1", stats.ModeMatchRate, stats.IntentMatchRate)
	}
	if stats.AvgAlignment != 100 {
		t.Errorf("AvgAlignment = %v, want 100", stats.AvgAlignment)
	}
}

func TestBeginRecordsAgentFailure(t *testing.T) {
	t.Parallel()
	r, repo := newTestRunner(t, &scriptedProvider{err: errors.New("agent down")})

	sess := domain.NewConversationSession("sess-1", "bot-1", "key-1", time.Now())
	obs := r.Begin(sess.Clone(), dialogue.Turn{Message: "hello"}, domain.LeadCaptureConfig{}, "")
	obs.Complete(PrimaryOutcome{Mode: domain.ModeInfo, Intent: domain.IntentLow, Response: "hi there"})
	r.Wait()

	stats, err := repo.GetShadowStats(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("GetShadowStats: %v", err)
	}
	if stats.Comparisons != 1 {
		t.Fatalf("Comparisons = %d, want failure recorded as a row", stats.Comparisons)
	}
	if stats.AgentFailures != 1 {
		t.Errorf("AgentFailures = %d, want 1", stats.AgentFailures)
	}
	if stats.AvgAlignment != 0 {
		t.Errorf("AvgAlignment = %v, want 0", stats.AvgAlignment)
	}
}

func TestBeginDisabledRecordsNothing(t *testing.T) {
	t.Parallel()
	r, repo := newTestRunner(t, &scriptedProvider{text: "hi"})
	r.SetEnabled(false)

	sess := domain.NewConversationSession("sess-1", "bot-1", "key-1", time.Now())
	obs := r.Begin(sess.Clone(), dialogue.Turn{Message: "hello"}, domain.LeadCaptureConfig{}, "")
	if obs != nil {
		t.Fatal("Begin must return nil with shadow disabled")
	}
	// Complete and Discard are nil-safe so callers need no guard.
	obs.Complete(PrimaryOutcome{Mode: domain.ModeInfo})
	obs.Discard()
	r.Wait()

	stats, err := repo.GetShadowStats(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("GetShadowStats: %v", err)
	}
	if stats.Comparisons != 0 {
		t.Errorf("Comparisons = %d with shadow disabled, want 0", stats.Comparisons)
	}
}

func TestDiscardRecordsNothing(t *testing.T) {
	t.Parallel()
	r, repo := newTestRunner(t, &scriptedProvider{text: "hi"})

	sess := domain.NewConversationSession("sess-1", "bot-1", "key-1", time.Now())
	obs := r.Begin(sess.Clone(), dialogue.Turn{Message: "hello"}, domain.LeadCaptureConfig{}, "")
	obs.Discard()
	// A late Discard after Complete must also be a no-op, so the caller can
	// always defer it.
	obs.Discard()
	r.Wait()

	stats, err := repo.GetShadowStats(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("GetShadowStats: %v", err)
	}
	if stats.Comparisons != 0 {
		t.Errorf("Comparisons = %d after discard, want 0", stats.Comparisons)
	}
}

func TestRecordInsertFailureIsComparisonError(t *testing.T) {
	t.Parallel()
	r, repo := newTestRunner(t, &scriptedProvider{text: "hi"})
	repo.Close()

	sess := domain.NewConversationSession("sess-1", "bot-1", "key-1", time.Now())
	err := r.record(context.Background(), sess,
		&agentpath.Result{Mode: domain.ModeInfo, Intent: domain.IntentLow, Response: "hi"}, nil,
		PrimaryOutcome{Mode: domain.ModeInfo, Intent: domain.IntentLow, Response: "hi"})
	if !errors.Is(err, domain.ErrComparison) {
		t.Errorf("error = %v, want ErrComparison", err)
	}
}
