// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/chatfunnel/internal/domain"
)

// Repository defines the interface for persisting conversation state.
type Repository interface {
	// GetOpenSession retrieves the open session for a chatbot and external
	// session key, or nil when none exists.
	GetOpenSession(ctx context.Context, chatbotID, sessionKey string) (*domain.ConversationSession, error)

	// GetSessionByID retrieves a session by its internal id, open or closed.
	GetSessionByID(ctx context.Context, id string) (*domain.ConversationSession, error)

	// InsertSession persists a freshly created session at version 1.
	InsertSession(ctx context.Context, sess *domain.ConversationSession) error

	// UpdateSession persists a mutated session. The update only applies if
	// the stored version matches sess.Version (optimistic locking); on
	// success sess.Version is incremented. Returns domain.ErrVersionConflict
	// when another writer got there first.
	UpdateSession(ctx context.Context, sess *domain.ConversationSession) error

	// CloseSession marks a session terminal.
	CloseSession(ctx context.Context, id string, closedAt time.Time) error

	// CloseExpiredSessions closes all open sessions inactive longer than ttl
	// and returns how many it touched.
	CloseExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// CreateLead inserts a new lead record.
	CreateLead(ctx context.Context, lead *domain.Lead) error

	// UpdateLead updates a lead's contact fields and qualification answers.
	UpdateLead(ctx context.Context, lead *domain.Lead) error

	// GetLead retrieves a lead by id, or nil when absent.
	GetLead(ctx context.Context, id string) (*domain.Lead, error)

	// GetChatbotConfig retrieves the lead-capture settings snapshot for a
	// chatbot, or nil when the chatbot has no stored config.
	GetChatbotConfig(ctx context.Context, chatbotID string) (*domain.ChatbotConfig, error)

	// UpsertChatbotConfig creates or replaces a chatbot's settings.
	UpsertChatbotConfig(ctx context.Context, cfg *domain.ChatbotConfig) error

	// GetCohortAssignment retrieves the persisted cohort for a chatbot, or
	// nil when none has been assigned yet.
	GetCohortAssignment(ctx context.Context, chatbotID string) (*domain.CohortAssignment, error)

	// InsertCohortIfAbsent persists an automatic assignment unless one
	// already exists, and returns the row that won (insert-if-absent, safe
	// under concurrent first-access races).
	InsertCohortIfAbsent(ctx context.Context, a *domain.CohortAssignment) (*domain.CohortAssignment, error)

	// SetManualCohort creates or overwrites an assignment, flagged manual.
	SetManualCohort(ctx context.Context, a *domain.CohortAssignment) error

	// ResetAutomaticCohorts deletes all non-manual assignments so they are
	// recomputed on next access. Manual rows are never touched.
	ResetAutomaticCohorts(ctx context.Context) (int64, error)

	// InsertShadowComparison appends one comparison row (write-once log).
	InsertShadowComparison(ctx context.Context, c *domain.ShadowComparison) error

	// GetShadowStats aggregates comparison rows for a chatbot.
	GetShadowStats(ctx context.Context, chatbotID string) (*domain.ShadowStats, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
