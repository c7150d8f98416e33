// Package session orchestrates conversation turns: it owns session
// lifecycle, routes each turn to the state machine or the agent path,
// applies the resulting transition atomically, and triggers lead side
// effects.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/chatfunnel/internal/agentpath"
	"github.com/ashureev/chatfunnel/internal/cohort"
	"github.com/ashureev/chatfunnel/internal/dialogue"
	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/ashureev/chatfunnel/internal/metrics"
	"github.com/ashureev/chatfunnel/internal/notify"
	"github.com/ashureev/chatfunnel/internal/shadow"
	"github.com/ashureev/chatfunnel/internal/shared"
	"github.com/ashureev/chatfunnel/internal/store"
)

// DefaultSessionTTL closes sessions after this much inactivity.
const DefaultSessionTTL = 24 * time.Hour

// TurnRequest is one inbound widget message.
type TurnRequest struct {
	ChatbotID   string
	SessionKey  string
	Message     string
	PageURL     string
	ReferrerURL string
}

// TurnResponse is what the widget renders for one turn.
type TurnResponse struct {
	SessionKey string             `json:"session_key"`
	Response   string             `json:"response"`
	Mode       domain.Mode        `json:"mode"`
	Intent     domain.IntentLevel `json:"intent"`
	Sources    []string           `json:"sources,omitempty"`
	BookingURL string             `json:"booking_url,omitempty"`
	Closed     bool               `json:"closed"`
}

// Service coordinates one turn end to end.
type Service struct {
	repo     store.Repository
	machine  *dialogue.Machine
	agent    *agentpath.Runner
	cohorts  *cohort.Assigner
	shadow   *shadow.Runner
	sink     notify.Sink
	ttl      time.Duration
	sessLock sync.Map // per-(chatbot, session key) serialization
}

// NewService wires the turn orchestrator. sink may be nil; ttl falls back
// to DefaultSessionTTL when non-positive.
func NewService(repo store.Repository, machine *dialogue.Machine, agent *agentpath.Runner, cohorts *cohort.Assigner, shadowRunner *shadow.Runner, sink notify.Sink, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if sink == nil {
		sink = notify.NoopSink{}
	}
	return &Service{
		repo:    repo,
		machine: machine,
		agent:   agent,
		cohorts: cohorts,
		shadow:  shadowRunner,
		sink:    sink,
		ttl:     ttl,
	}
}

func (s *Service) lockKey(chatbotID, sessionKey string) *sync.Mutex {
	key := chatbotID + "\x00" + sessionKey
	mu, _ := s.sessLock.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ProcessTurn handles one visitor message. Turns for the same session are
// serialized; concurrent turns for different sessions proceed in parallel.
func (s *Service) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("empty message: %w", domain.ErrValidation)
	}
	if req.SessionKey == "" {
		req.SessionKey = uuid.NewString()
	}

	mu := s.lockKey(req.ChatbotID, req.SessionKey)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()

	sess, err := s.loadOrCreate(ctx, req.ChatbotID, req.SessionKey)
	if err != nil {
		return nil, err
	}

	cfg, instructions, err := s.loadConfig(ctx, req.ChatbotID)
	if err != nil {
		return nil, err
	}

	turn := dialogue.Turn{Message: req.Message, PageURL: req.PageURL, ReferrerURL: req.ReferrerURL}

	// The shadow agent starts on a pre-mutation snapshot so both decision
	// paths run at the same time. Discard is a no-op after Complete.
	var obs *shadow.Observation
	if s.shadow != nil && s.shadow.Enabled() {
		obs = s.shadow.Begin(sess.Clone(), turn, cfg, instructions)
		defer obs.Discard()
	}

	sess.AppendMessage("user", req.Message)

	served, res, err := s.runDecisionPath(ctx, sess, turn, cfg, instructions)
	if err != nil {
		return nil, err
	}

	if err := s.applyResult(ctx, sess, res); err != nil {
		return nil, err
	}

	latency := time.Since(start)
	obs.Complete(shadow.PrimaryOutcome{
		Mode:     res.NextMode,
		Intent:   res.NextIntentLevel,
		Response: res.Response,
		Latency:  latency,
	})

	metrics.TurnsTotal.WithLabelValues(string(res.NextMode), string(served)).Inc()
	metrics.TurnDuration.WithLabelValues(string(served)).Observe(latency.Seconds())

	out := &TurnResponse{
		SessionKey: sess.SessionKey,
		Response:   res.Response,
		Mode:       sess.Mode,
		Intent:     sess.IntentLevel,
		Sources:    res.Sources,
		Closed:     sess.IsClosed(),
	}
	if sess.BookingStatus == domain.BookingAccepted {
		out.BookingURL = cfg.BookingURL
	}
	return out, nil
}

// loadOrCreate returns the open session for the key, rolling an expired one
// over into a fresh session that keeps the external key.
func (s *Service) loadOrCreate(ctx context.Context, chatbotID, sessionKey string) (*domain.ConversationSession, error) {
	sess, err := s.repo.GetOpenSession(ctx, chatbotID, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: load session: %v", domain.ErrStorage, err)
	}

	now := time.Now()
	if sess != nil && sess.Expired(s.ttl, now) {
		if err := s.repo.CloseSession(ctx, sess.ID, now); err != nil {
			return nil, fmt.Errorf("%w: close expired session: %v", domain.ErrStorage, err)
		}
		slog.Info("session expired, rolling over",
			"chatbot_id", chatbotID, "session_key", sessionKey, "old_session_id", sess.ID)
		sess = nil
	}

	if sess == nil {
		sess = domain.NewConversationSession(uuid.NewString(), chatbotID, sessionKey, now)
		if err := s.repo.InsertSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("%w: create session: %v", domain.ErrStorage, err)
		}
	}
	return sess, nil
}

// defaultCapture is used for chatbots with no stored configuration.
var defaultCapture = domain.LeadCaptureConfig{
	LeadCaptureEnabled: true,
	Trigger:            domain.TriggerMediumIntent,
	IntentKeywords:     []string{"pricing", "price", "cost", "demo", "trial", "buy", "purchase", "upgrade", "quote"},
}

func (s *Service) loadConfig(ctx context.Context, chatbotID string) (domain.LeadCaptureConfig, string, error) {
	cfg, err := s.repo.GetChatbotConfig(ctx, chatbotID)
	if err != nil {
		return domain.LeadCaptureConfig{}, "", fmt.Errorf("%w: load chatbot config: %v", domain.ErrStorage, err)
	}
	if cfg == nil {
		return defaultCapture, "", nil
	}
	return cfg.Capture, cfg.SystemInstructions, nil
}

// runDecisionPath picks the serving path for the turn. With shadow mode on,
// the state machine always serves and the agent runs in the background.
// With shadow off, agent-cohort chatbots are served by the agent path, and
// any agent failure falls back to the state machine so the visitor always
// gets a reply.
func (s *Service) runDecisionPath(ctx context.Context, sess *domain.ConversationSession, turn dialogue.Turn, cfg domain.LeadCaptureConfig, instructions string) (domain.Cohort, dialogue.Result, error) {
	shadowOn := s.shadow != nil && s.shadow.Enabled()
	if !shadowOn && s.agent != nil && s.cohorts != nil {
		c, err := s.cohorts.GetCohort(ctx, sess.ChatbotID)
		if err != nil {
			return "", dialogue.Result{}, fmt.Errorf("%w: resolve cohort: %v", domain.ErrStorage, err)
		}
		if c == domain.CohortAgent {
			agentRes, agentErr := s.agent.ProcessMessage(ctx, sess, turn, cfg, instructions)
			if agentErr == nil {
				return domain.CohortAgent, dialogue.Result{
					NextMode:               agentRes.Mode,
					Response:               agentRes.Response,
					NextIntentLevel:        domain.MaxIntent(sess.IntentLevel, agentRes.Intent),
					NextCaptureStep:        sess.LeadCaptureStep,
					NextCapturePromptCount: sess.CapturePromptCount,
					NextQualificationStep:  sess.QualificationStep,
					NextBookingStatus:      sess.BookingStatus,
				}, nil
			}
			metrics.RetrievalFailures.Inc()
			slog.Warn("agent path failed, falling back to state machine",
				"chatbot_id", sess.ChatbotID, "session_key", sess.SessionKey, "error", agentErr)
		}
	}

	return domain.CohortStateMachine, s.machine.ProcessMessage(ctx, sess, turn, cfg, instructions), nil
}

// applyResult folds the computed transition and its side effects into the
// session and persists it under optimistic locking. The keyed mutex makes
// version conflicts unexpected; they surface as errors rather than retries.
func (s *Service) applyResult(ctx context.Context, sess *domain.ConversationSession, res dialogue.Result) error {
	bookingJustAccepted := res.NextBookingStatus == domain.BookingAccepted &&
		sess.BookingStatus != domain.BookingAccepted

	sess.AppendMessage("assistant", res.Response)
	sess.Mode = res.NextMode
	sess.IntentLevel = res.NextIntentLevel
	sess.LeadCaptureStep = res.NextCaptureStep
	sess.CapturePromptCount = res.NextCapturePromptCount
	sess.QualificationStep = res.NextQualificationStep
	sess.BookingStatus = res.NextBookingStatus
	sess.MergeSignals(res.NextSignals)
	sess.LastActivityAt = time.Now()

	for _, action := range res.Actions {
		if err := s.applyAction(ctx, sess, action); err != nil {
			return err
		}
	}

	if bookingJustAccepted && sess.LeadID != "" {
		if lead, err := s.repo.GetLead(ctx, sess.LeadID); err == nil && lead != nil {
			s.sink.BookingAccepted(lead)
		}
	}

	if err := s.saveWithRetry(ctx, sess); err != nil {
		if errors.Is(err, domain.ErrSessionClosed) {
			return fmt.Errorf("save session: %w", err)
		}
		return fmt.Errorf("%w: save session: %v", domain.ErrStorage, err)
	}
	return nil
}

// saveWithRetry retries UpdateSession on SQLITE_BUSY with exponential
// backoff. The sweeper and the turn path share the database, so short lock
// windows are expected under load.
func (s *Service) saveWithRetry(ctx context.Context, sess *domain.ConversationSession) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.repo.UpdateSession(ctx, sess)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("session save hit SQLITE_BUSY, retrying",
				"session_id", sess.ID, "attempt", i+1, "delay", delay)
			time.Sleep(delay)
		}
	}
	return err
}

func (s *Service) applyAction(ctx context.Context, sess *domain.ConversationSession, action domain.Action) error {
	switch a := action.(type) {
	case domain.UpdateIntent:
		sess.MergeSignals(a.Signals)

	case domain.CaptureLead:
		if sess.LeadID == "" {
			lead := &domain.Lead{
				ID:        uuid.NewString(),
				ChatbotID: sess.ChatbotID,
				SessionID: sess.ID,
				Email:     a.Email,
				Name:      a.Name,
				Reason:    a.Reason,
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}
			if err := s.repo.CreateLead(ctx, lead); err != nil {
				return fmt.Errorf("%w: create lead: %v", domain.ErrStorage, err)
			}
			sess.LeadID = lead.ID
			metrics.LeadsCaptured.Inc()
			s.sink.LeadCaptured(lead)
			slog.Info("lead captured",
				"chatbot_id", sess.ChatbotID, "session_id", sess.ID, "lead_id", lead.ID)
			return nil
		}
		lead, err := s.repo.GetLead(ctx, sess.LeadID)
		if err != nil || lead == nil {
			return fmt.Errorf("%w: load lead %s: %v", domain.ErrStorage, sess.LeadID, err)
		}
		if a.Email != "" {
			lead.Email = a.Email
		}
		if a.Name != "" {
			lead.Name = a.Name
		}
		if a.Reason != "" {
			lead.Reason = a.Reason
		}
		if err := s.repo.UpdateLead(ctx, lead); err != nil {
			return fmt.Errorf("%w: update lead: %v", domain.ErrStorage, err)
		}

	case domain.SaveQualification:
		sess.QualificationAnswers[a.QuestionID] = a.Answer
		if sess.LeadID != "" {
			lead, err := s.repo.GetLead(ctx, sess.LeadID)
			if err != nil || lead == nil {
				return fmt.Errorf("%w: load lead %s: %v", domain.ErrStorage, sess.LeadID, err)
			}
			if lead.Answers == nil {
				lead.Answers = make(map[string]string)
			}
			lead.Answers[a.QuestionID] = a.Answer
			if err := s.repo.UpdateLead(ctx, lead); err != nil {
				return fmt.Errorf("%w: save qualification answer: %v", domain.ErrStorage, err)
			}
		}
	}
	return nil
}

// Snapshot returns the open session state for a chatbot and key, or nil.
func (s *Service) Snapshot(ctx context.Context, chatbotID, sessionKey string) (*domain.ConversationSession, error) {
	sess, err := s.repo.GetOpenSession(ctx, chatbotID, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: load session: %v", domain.ErrStorage, err)
	}
	return sess, nil
}
