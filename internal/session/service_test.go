package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatfunnel/internal/agentpath"
	"github.com/ashureev/chatfunnel/internal/cohort"
	"github.com/ashureev/chatfunnel/internal/dialogue"
	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/ashureev/chatfunnel/internal/notify"
	"github.com/ashureev/chatfunnel/internal/shadow"
	"github.com/ashureev/chatfunnel/internal/store"
)

type stubProvider struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (p *stubProvider) Answer(ctx context.Context, chatbotID, query string, history []domain.StoredMessage, instructions string) (*dialogue.Answer, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &dialogue.Answer{Text: p.text}, nil
}

type fixture struct {
	svc  *Service
	repo store.Repository
}

func newFixture(t *testing.T, provider dialogue.AnswerProvider, opts ...func(*fixture)) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	machine := dialogue.NewMachine(provider, time.Second)
	f := &fixture{repo: repo}
	f.svc = NewService(repo, machine, nil, nil, nil, notify.NoopSink{}, DefaultSessionTTL)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func seedConfig(t *testing.T, repo store.Repository, capture domain.LeadCaptureConfig) {
	t.Helper()
	err := repo.UpsertChatbotConfig(context.Background(), &domain.ChatbotConfig{
		ChatbotID: "bot-1",
		Capture:   capture,
	})
	if err != nil {
		t.Fatalf("UpsertChatbotConfig: %v", err)
	}
}

func TestProcessTurnCreatesSessionAndAnswers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubProvider{text: "We build chat widgets."})

	out, err := f.svc.ProcessTurn(context.Background(), TurnRequest{
		ChatbotID: "bot-1", Message: "what do you do?",
	})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.SessionKey == "" {
		t.Error("expected a generated session key")
	}
	if out.Response != "We build chat widgets." {
		t.Errorf("Response = %q", out.Response)
	}
	if out.Mode != domain.ModeInfo {
		t.Errorf("Mode = %q, want INFO", out.Mode)
	}

	sess, err := f.repo.GetOpenSession(context.Background(), "bot-1", out.SessionKey)
	if err != nil || sess == nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if sess.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want user+assistant", sess.MessageCount)
	}
}

func TestProcessTurnRejectsEmptyMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubProvider{text: "hi"})

	_, err := f.svc.ProcessTurn(context.Background(), TurnRequest{ChatbotID: "bot-1", Message: "   "})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
}

func TestCaptureFlowCreatesLead(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubProvider{text: "Plans start at $29."})
	seedConfig(t, f.repo, domain.LeadCaptureConfig{
		LeadCaptureEnabled: true,
		Trigger:            domain.TriggerMediumIntent,
		IntentKeywords:     []string{"pricing", "cost"},
	})
	ctx := context.Background()

	turnText := []string{
		"hi there",
		"what does it cost?", // second exchange with a keyword: INTENT_CHECK
		"yes please",         // affirmative: LEAD_CAPTURE asks for email
		"sure, it's ada@example.com",
	}
	var out *TurnResponse
	var err error
	key := "visitor-key"
	for _, msg := range turnText {
		out, err = f.svc.ProcessTurn(ctx, TurnRequest{ChatbotID: "bot-1", SessionKey: key, Message: msg})
		if err != nil {
			t.Fatalf("ProcessTurn(%q): %v", msg, err)
		}
	}

	sess, err := f.repo.GetOpenSession(ctx, "bot-1", key)
	if err != nil || sess == nil {
		t.Fatalf("load session: %v", err)
	}
	if !sess.HasLead() {
		t.Fatal("expected a lead after providing an email")
	}
	lead, err := f.repo.GetLead(ctx, sess.LeadID)
	if err != nil || lead == nil {
		t.Fatalf("load lead: %v", err)
	}
	if lead.Email != "ada@example.com" {
		t.Errorf("lead email = %q", lead.Email)
	}
	if out.Mode == domain.ModeInfo {
		t.Errorf("Mode = %q after capture, want a capture-flow mode", out.Mode)
	}
}

func TestQualificationAnswersReachLead(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubProvider{text: "Sure."})
	seedConfig(t, f.repo, domain.LeadCaptureConfig{
		LeadCaptureEnabled: true,
		Trigger:            domain.TriggerAlways,
		QualificationQs: []domain.QualificationQuestion{
			{ID: "q_size", Text: "How big is your team?"},
		},
	})
	ctx := context.Background()
	key := "visitor-key"

	for _, msg := range []string{
		"hello",
		"tell me more",          // INTENT_CHECK (trigger ALWAYS)
		"yes",                   // LEAD_CAPTURE
		"ada@example.com",       // email captured, qualification starts
		"we're about 40 people", // answers q_size
	} {
		if _, err := f.svc.ProcessTurn(ctx, TurnRequest{ChatbotID: "bot-1", SessionKey: key, Message: msg}); err != nil {
			t.Fatalf("ProcessTurn(%q): %v", msg, err)
		}
	}

	sess, err := f.repo.GetOpenSession(ctx, "bot-1", key)
	if err != nil || sess == nil {
		t.Fatalf("load session: %v", err)
	}
	lead, err := f.repo.GetLead(ctx, sess.LeadID)
	if err != nil || lead == nil {
		t.Fatalf("load lead: %v", err)
	}
	if lead.Answers["q_size"] != "we're about 40 people" {
		t.Errorf("qualification answer = %q", lead.Answers["q_size"])
	}
}

func TestConcurrentTurnsSameSessionSerialize(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubProvider{text: "Plans start at $29."})
	seedConfig(t, f.repo, domain.LeadCaptureConfig{
		LeadCaptureEnabled: true,
		Trigger:            domain.TriggerMediumIntent,
		IntentKeywords:     []string{"pricing", "cost"},
	})
	ctx := context.Background()
	key := "visitor-key"

	const turns = 8
	var wg sync.WaitGroup
	errs := make(chan error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ProcessTurn(ctx, TurnRequest{
				ChatbotID: "bot-1", SessionKey: key, Message: "what does it cost?",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent ProcessTurn: %v", err)
		}
	}

	sess, err := f.repo.GetOpenSession(ctx, "bot-1", key)
	if err != nil || sess == nil {
		t.Fatalf("load session: %v", err)
	}
	// Each turn appends exactly one user and one assistant message. A lost
	// update from interleaved turns would show up as a lower count.
	if sess.MessageCount != 2*turns {
		t.Errorf("MessageCount = %d, want %d", sess.MessageCount, 2*turns)
	}
	// Turn one inserts at version 1 and saves; every later turn saves once.
	if sess.Version != turns+1 {
		t.Errorf("Version = %d, want %d", sess.Version, turns+1)
	}
	if len(sess.MessageHistory) != domain.MaxHistoryMessages {
		t.Errorf("history length = %d, want cap %d", len(sess.MessageHistory), domain.MaxHistoryMessages)
	}
	if sess.QualificationStep < 0 {
		t.Errorf("QualificationStep = %d, corrupted by interleaving", sess.QualificationStep)
	}
}

func TestTurnSaveAgainstSweptSessionReportsClosed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubProvider{text: "hi"})
	ctx := context.Background()
	key := "visitor-key"

	if _, err := f.svc.ProcessTurn(ctx, TurnRequest{ChatbotID: "bot-1", SessionKey: key, Message: "hello"}); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	sess, err := f.repo.GetOpenSession(ctx, "bot-1", key)
	if err != nil || sess == nil {
		t.Fatalf("load session: %v", err)
	}

	// The sweeper closes the session while this turn still holds it.
	if err := f.repo.CloseSession(ctx, sess.ID, time.Now()); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	res := dialogue.Result{
		NextMode:        domain.ModeInfo,
		NextIntentLevel: domain.IntentLow,
		Response:        "hi again",
	}
	err = f.svc.applyResult(ctx, sess, res)
	if !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("error = %v, want ErrSessionClosed", err)
	}
}

func TestExpiredSessionRollsOverKeepingKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubProvider{text: "hi"})
	ctx := context.Background()
	key := "visitor-key"

	out, err := f.svc.ProcessTurn(ctx, TurnRequest{ChatbotID: "bot-1", SessionKey: key, Message: "hello"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	first, err := f.repo.GetOpenSession(ctx, "bot-1", key)
	if err != nil || first == nil {
		t.Fatalf("load first session: %v", err)
	}

	// Age the session past the TTL directly in the store.
	first.LastActivityAt = time.Now().Add(-25 * time.Hour)
	if err := f.repo.UpdateSession(ctx, first); err != nil {
		t.Fatalf("age session: %v", err)
	}

	out, err = f.svc.ProcessTurn(ctx, TurnRequest{ChatbotID: "bot-1", SessionKey: key, Message: "hello again"})
	if err != nil {
		t.Fatalf("ProcessTurn after expiry: %v", err)
	}
	if out.SessionKey != key {
		t.Errorf("SessionKey = %q, rollover must keep the external key", out.SessionKey)
	}

	second, err := f.repo.GetOpenSession(ctx, "bot-1", key)
	if err != nil || second == nil {
		t.Fatalf("load second session: %v", err)
	}
	if second.ID == first.ID {
		t.Error("expected a fresh internal session id after expiry")
	}
	if second.MessageCount != 2 {
		t.Errorf("MessageCount = %d, rollover must not carry history", second.MessageCount)
	}
}

func TestAgentCohortServedByAgentWithFallback(t *testing.T) {
	t.Parallel()
	agentProvider := &stubProvider{err: errors.New("agent down")}
	primaryProvider := &stubProvider{text: "state machine answer"}

	f := newFixture(t, primaryProvider, func(f *fixture) {
		machine := dialogue.NewMachine(primaryProvider, time.Second)
		agent := agentpath.NewRunner(agentProvider, time.Second)
		cohorts := cohort.NewAssigner(f.repo, 100)
		f.svc = NewService(f.repo, machine, agent, cohorts, nil, notify.NoopSink{}, DefaultSessionTTL)
	})

	out, err := f.svc.ProcessTurn(context.Background(), TurnRequest{ChatbotID: "bot-1", Message: "hello"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.Response != "state machine answer" {
		t.Errorf("Response = %q, want state-machine fallback when agent fails", out.Response)
	}
	if agentProvider.calls == 0 {
		t.Error("agent path was never tried for an agent-cohort chatbot")
	}
}

func TestShadowModeServesStateMachineAndRecords(t *testing.T) {
	t.Parallel()
	agentProvider := &stubProvider{text: "agent answer\n[mode:INFO] [intent:LOW]"}
	primaryProvider := &stubProvider{text: "primary answer"}

	var shadowRunner *shadow.Runner
	f := newFixture(t, primaryProvider, func(f *fixture) {
		machine := dialogue.NewMachine(primaryProvider, time.Second)
		agent := agentpath.NewRunner(agentProvider, time.Second)
		shadowRunner = shadow.NewRunner(f.repo, agent, time.Second, true)
		cohorts := cohort.NewAssigner(f.repo, 100)
		f.svc = NewService(f.repo, machine, agent, cohorts, shadowRunner, notify.NoopSink{}, DefaultSessionTTL)
	})

	out, err := f.svc.ProcessTurn(context.Background(), TurnRequest{ChatbotID: "bot-1", Message: "hello"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if out.Response != "primary answer" {
		t.Errorf("Response = %q, shadow mode must serve the state machine even for agent-cohort bots", out.Response)
	}

	shadowRunner.Wait()
	stats, err := f.repo.GetShadowStats(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("GetShadowStats: %v", err)
	}
	if stats.Comparisons != 1 {
		t.Errorf("Comparisons = %d, want 1 recorded row", stats.Comparisons)
	}
}

func TestSnapshotMissingSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubProvider{text: "hi"})

	sess, err := f.svc.Snapshot(context.Background(), "bot-1", "no-such-key")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if sess != nil {
		t.Errorf("expected nil snapshot, got %+v", sess)
	}
}
