package shadow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/chatfunnel/internal/agentpath"
	"github.com/ashureev/chatfunnel/internal/dialogue"
	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/ashureev/chatfunnel/internal/metrics"
	"github.com/ashureev/chatfunnel/internal/store"
)

// PrimaryOutcome is the state-machine side of a comparison, captured by the
// caller before the session is mutated.
type PrimaryOutcome struct {
	Mode     domain.Mode
	Intent   domain.IntentLevel
	Response string
	Latency  time.Duration
}

// recordTimeout bounds the database write for one comparison row.
const recordTimeout = 5 * time.Second

// Runner executes the agent path in the background for turns served by the
// state machine and records comparison rows. It never blocks or fails the
// primary turn.
type Runner struct {
	repo    store.Repository
	agent   *agentpath.Runner
	timeout time.Duration
	enabled atomic.Bool
	wg      sync.WaitGroup
}

// NewRunner creates a shadow runner. timeout bounds each background agent
// turn; non-positive falls back to dialogue.DefaultAnswerTimeout.
func NewRunner(repo store.Repository, agent *agentpath.Runner, timeout time.Duration, enabled bool) *Runner {
	if timeout <= 0 {
		timeout = dialogue.DefaultAnswerTimeout
	}
	r := &Runner{repo: repo, agent: agent, timeout: timeout}
	r.enabled.Store(enabled)
	return r
}

// Enabled reports whether shadow mode is on.
func (r *Runner) Enabled() bool {
	return r.enabled.Load()
}

// SetEnabled toggles shadow mode at runtime.
func (r *Runner) SetEnabled(v bool) {
	r.enabled.Store(v)
	slog.Info("shadow mode toggled", "enabled", v)
}

// Observation is one in-flight shadow turn. The agent side starts running
// when Begin returns; the comparison is recorded once the caller hands over
// the served outcome. Exactly one of Complete or Discard must be called.
type Observation struct {
	primary chan PrimaryOutcome
	once    sync.Once
}

// Complete hands the served outcome to the background comparison. Safe on a
// nil receiver.
func (o *Observation) Complete(primary PrimaryOutcome) {
	if o == nil {
		return
	}
	o.once.Do(func() {
		o.primary <- primary
		close(o.primary)
	})
}

// Discard abandons the observation when the primary turn failed; nothing is
// recorded. Safe on a nil receiver, and a no-op after Complete.
func (o *Observation) Discard() {
	if o == nil {
		return
	}
	o.once.Do(func() { close(o.primary) })
}

// Begin launches the agent turn in the background so both decision paths run
// at the same time. The snapshot must be a Clone taken before the primary
// path mutates the session. Returns nil when shadow mode is off.
func (r *Runner) Begin(snapshot *domain.ConversationSession, turn dialogue.Turn, cfg domain.LeadCaptureConfig, instructions string) *Observation {
	if !r.Enabled() || r.agent == nil {
		return nil
	}

	o := &Observation{primary: make(chan PrimaryOutcome, 1)}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// Detached from the request context: the visitor's reply does not
		// wait for this path.
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout+5*time.Second)
		defer cancel()

		agentRes, agentErr := r.agent.ProcessMessage(ctx, snapshot, turn, cfg, instructions)

		primary, ok := <-o.primary
		if !ok {
			return
		}

		rctx, rcancel := context.WithTimeout(context.Background(), recordTimeout)
		defer rcancel()
		if err := r.record(rctx, snapshot, agentRes, agentErr, primary); err != nil {
			slog.Error("record shadow comparison",
				"chatbot_id", snapshot.ChatbotID, "session_id", snapshot.ID, "error", err)
		}
	}()
	return o
}

func (r *Runner) record(ctx context.Context, snapshot *domain.ConversationSession, agentRes *agentpath.Result, agentErr error, primary PrimaryOutcome) error {
	cmp := &domain.ShadowComparison{
		ID:              uuid.NewString(),
		ChatbotID:       snapshot.ChatbotID,
		SessionID:       snapshot.ID,
		PrimaryMode:     primary.Mode,
		PrimaryResponse: primary.Response,
		PrimaryIntent:   primary.Intent,
		PrimaryLatency:  primary.Latency,
		CreatedAt:       time.Now(),
	}

	if agentErr != nil {
		cmp.AgentFailed = true
		slog.Warn("shadow agent turn failed",
			"chatbot_id", snapshot.ChatbotID, "session_id", snapshot.ID, "error", agentErr)
		metrics.ShadowComparisons.WithLabelValues("failed").Inc()
	} else {
		cmp.AgentMode = agentRes.Mode
		cmp.AgentIntent = agentRes.Intent
		cmp.AgentResponse = agentRes.Response
		cmp.AgentLatency = agentRes.Latency
		metrics.ShadowComparisons.WithLabelValues("ok").Inc()
	}

	Score(cmp)
	metrics.ShadowAlignment.Observe(cmp.AlignmentScore)

	if err := r.repo.InsertShadowComparison(ctx, cmp); err != nil {
		return fmt.Errorf("%w: insert comparison row: %v", domain.ErrComparison, err)
	}
	return nil
}

// Wait blocks until all in-flight background turns finish. Used on shutdown
// and in tests.
func (r *Runner) Wait() {
	r.wg.Wait()
}
