// Package cohort deterministically routes chatbots between the agent and
// state-machine decision paths during the staged rollout.
package cohort

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/ashureev/chatfunnel/internal/store"
)

// Assigner computes and persists cohort assignments.
type Assigner struct {
	repo store.Repository

	mu      sync.RWMutex
	rollout int // percentage of chatbots routed to the agent cohort, 0..100
}

// NewAssigner creates an Assigner with the given initial rollout percentage.
// Values outside 0..100 are clamped.
func NewAssigner(repo store.Repository, rolloutPercentage int) *Assigner {
	return &Assigner{repo: repo, rollout: clampPercent(rolloutPercentage)}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// RolloutPercentage returns the current rollout percentage.
func (a *Assigner) RolloutPercentage() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rollout
}

// SetRolloutPercentage updates the rollout percentage. Existing persisted
// assignments are unaffected; only chatbots seen for the first time after
// the change are bucketed against the new value.
func (a *Assigner) SetRolloutPercentage(p int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollout = clampPercent(p)
	slog.Info("rollout percentage updated", "rollout_percentage", a.rollout)
}

// Bucket maps a chatbot id to a stable bucket in 0..99.
func Bucket(chatbotID string) int {
	sum := sha256.Sum256([]byte(chatbotID))
	return int(binary.BigEndian.Uint32(sum[:4]) % 100)
}

// bucketCohort computes the cohort for a chatbot at the given rollout.
func bucketCohort(chatbotID string, rollout int) domain.Cohort {
	if Bucket(chatbotID) < rollout {
		return domain.CohortAgent
	}
	return domain.CohortStateMachine
}

// GetCohort returns the persisted cohort for a chatbot, computing and
// persisting an automatic assignment on first access. Once persisted, an
// assignment is stable regardless of later rollout changes.
func (a *Assigner) GetCohort(ctx context.Context, chatbotID string) (domain.Cohort, error) {
	existing, err := a.repo.GetCohortAssignment(ctx, chatbotID)
	if err != nil {
		return "", fmt.Errorf("get cohort assignment: %w", err)
	}
	if existing != nil {
		return existing.Cohort, nil
	}

	assignment := &domain.CohortAssignment{
		ChatbotID:  chatbotID,
		Cohort:     bucketCohort(chatbotID, a.RolloutPercentage()),
		AssignedAt: time.Now(),
	}
	persisted, err := a.repo.InsertCohortIfAbsent(ctx, assignment)
	if err != nil {
		return "", fmt.Errorf("persist cohort assignment: %w", err)
	}
	if !persisted.IsManual && persisted.Cohort == assignment.Cohort {
		slog.Info("cohort assigned",
			"chatbot_id", chatbotID,
			"cohort", persisted.Cohort,
			"bucket", Bucket(chatbotID))
	}
	return persisted.Cohort, nil
}

// AssignCohort force-assigns a chatbot to a cohort. Manual assignments
// survive ResetAll.
func (a *Assigner) AssignCohort(ctx context.Context, chatbotID string, cohort domain.Cohort) error {
	if !cohort.Valid() {
		return fmt.Errorf("assign cohort %q: %w", cohort, domain.ErrValidation)
	}
	assignment := &domain.CohortAssignment{
		ChatbotID:  chatbotID,
		Cohort:     cohort,
		IsManual:   true,
		AssignedAt: time.Now(),
	}
	if err := a.repo.SetManualCohort(ctx, assignment); err != nil {
		return fmt.Errorf("set manual cohort: %w", err)
	}
	slog.Info("cohort manually assigned", "chatbot_id", chatbotID, "cohort", cohort)
	return nil
}

// ResetAll drops all automatic assignments so they are recomputed against
// the current rollout percentage on next access. Manual assignments are
// preserved. Returns how many rows were dropped.
func (a *Assigner) ResetAll(ctx context.Context) (int64, error) {
	n, err := a.repo.ResetAutomaticCohorts(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset cohorts: %w", err)
	}
	slog.Info("automatic cohort assignments reset", "dropped", n)
	return n, nil
}
