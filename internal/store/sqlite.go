package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/chatfunnel/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversation_sessions (
		id TEXT PRIMARY KEY,
		chatbot_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		mode TEXT NOT NULL,
		intent_level TEXT NOT NULL,
		intent_signals_json TEXT NOT NULL DEFAULT '[]',
		lead_capture_step TEXT,
		capture_prompt_count INTEGER NOT NULL DEFAULT 0,
		qualification_step INTEGER NOT NULL DEFAULT 0,
		qualification_answers_json TEXT NOT NULL DEFAULT '{}',
		history_json TEXT NOT NULL DEFAULT '[]',
		message_count INTEGER NOT NULL DEFAULT 0,
		lead_id TEXT,
		booking_status TEXT NOT NULL DEFAULT 'NONE',
		version INTEGER NOT NULL DEFAULT 1,
		started_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		closed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_open
		ON conversation_sessions(chatbot_id, session_key) WHERE closed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_sessions_activity
		ON conversation_sessions(last_activity_at) WHERE closed_at IS NULL;

	CREATE TABLE IF NOT EXISTS leads (
		id TEXT PRIMARY KEY,
		chatbot_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		email TEXT,
		name TEXT,
		reason TEXT,
		answers_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_leads_chatbot ON leads(chatbot_id, created_at);

	CREATE TABLE IF NOT EXISTS chatbot_configs (
		chatbot_id TEXT PRIMARY KEY,
		capture_json TEXT NOT NULL,
		system_instructions TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cohort_assignments (
		chatbot_id TEXT PRIMARY KEY,
		cohort TEXT NOT NULL,
		is_manual INTEGER NOT NULL DEFAULT 0,
		assigned_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS shadow_comparisons (
		id TEXT PRIMARY KEY,
		chatbot_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		primary_mode TEXT NOT NULL,
		primary_response TEXT NOT NULL,
		primary_intent TEXT,
		primary_latency_ms INTEGER NOT NULL,
		agent_mode TEXT,
		agent_response TEXT,
		agent_intent TEXT,
		agent_latency_ms INTEGER NOT NULL,
		agent_failed INTEGER NOT NULL DEFAULT 0,
		mode_matches INTEGER NOT NULL,
		intent_matches INTEGER NOT NULL,
		response_similarity REAL NOT NULL,
		alignment_score REAL NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_shadow_chatbot ON shadow_comparisons(chatbot_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const sessionColumns = `id, chatbot_id, session_key, mode, intent_level, intent_signals_json,
	lead_capture_step, capture_prompt_count, qualification_step, qualification_answers_json,
	history_json, message_count, lead_id, booking_status, version,
	started_at, last_activity_at, closed_at`

// GetOpenSession retrieves the open session for a chatbot and session key.
func (s *SQLiteStore) GetOpenSession(ctx context.Context, chatbotID, sessionKey string) (*domain.ConversationSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM conversation_sessions
		WHERE chatbot_id = ? AND session_key = ? AND closed_at IS NULL
		ORDER BY started_at DESC LIMIT 1`
	return s.scanSession(s.db.QueryRowContext(ctx, query, chatbotID, sessionKey))
}

// GetSessionByID retrieves a session by its internal id.
func (s *SQLiteStore) GetSessionByID(ctx context.Context, id string) (*domain.ConversationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM conversation_sessions WHERE id = ?`
	return s.scanSession(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStore) scanSession(row *sql.Row) (*domain.ConversationSession, error) {
	var sess domain.ConversationSession
	var signalsJSON, answersJSON, historyJSON string
	var captureStep, leadID sql.NullString
	var startedAt, lastActivity int64
	var closedAt sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.ChatbotID, &sess.SessionKey, &sess.Mode, &sess.IntentLevel, &signalsJSON,
		&captureStep, &sess.CapturePromptCount, &sess.QualificationStep, &answersJSON,
		&historyJSON, &sess.MessageCount, &leadID, &sess.BookingStatus, &sess.Version,
		&startedAt, &lastActivity, &closedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.LeadCaptureStep = domain.LeadCaptureStep(captureStep.String)
	sess.LeadID = leadID.String
	sess.StartedAt = time.Unix(startedAt, 0)
	sess.LastActivityAt = time.Unix(lastActivity, 0)
	if closedAt.Valid {
		t := time.Unix(closedAt.Int64, 0)
		sess.ClosedAt = &t
	}

	var signals []string
	if err := json.Unmarshal([]byte(signalsJSON), &signals); err != nil {
		return nil, fmt.Errorf("decode intent signals: %w", err)
	}
	sess.IntentSignals = make(map[string]bool, len(signals))
	for _, sig := range signals {
		sess.IntentSignals[sig] = true
	}
	if err := json.Unmarshal([]byte(answersJSON), &sess.QualificationAnswers); err != nil {
		return nil, fmt.Errorf("decode qualification answers: %w", err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &sess.MessageHistory); err != nil {
		return nil, fmt.Errorf("decode message history: %w", err)
	}

	return &sess, nil
}

func sessionJSONFields(sess *domain.ConversationSession) (signals, answers, history string, err error) {
	sb, err := json.Marshal(sess.SignalList())
	if err != nil {
		return "", "", "", fmt.Errorf("encode intent signals: %w", err)
	}
	ab, err := json.Marshal(sess.QualificationAnswers)
	if err != nil {
		return "", "", "", fmt.Errorf("encode qualification answers: %w", err)
	}
	hist := sess.MessageHistory
	if hist == nil {
		hist = []domain.StoredMessage{}
	}
	hb, err := json.Marshal(hist)
	if err != nil {
		return "", "", "", fmt.Errorf("encode message history: %w", err)
	}
	return string(sb), string(ab), string(hb), nil
}

// InsertSession persists a freshly created session at version 1.
func (s *SQLiteStore) InsertSession(ctx context.Context, sess *domain.ConversationSession) error {
	signals, answers, history, err := sessionJSONFields(sess)
	if err != nil {
		return err
	}

	sess.Version = 1
	query := `INSERT INTO conversation_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.ChatbotID, sess.SessionKey, string(sess.Mode), string(sess.IntentLevel), signals,
		nullString(string(sess.LeadCaptureStep)), sess.CapturePromptCount, sess.QualificationStep, answers,
		history, sess.MessageCount, nullString(sess.LeadID), string(sess.BookingStatus), sess.Version,
		sess.StartedAt.Unix(), sess.LastActivityAt.Unix(), nullTime(sess.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession persists a mutated session with optimistic version check.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *domain.ConversationSession) error {
	signals, answers, history, err := sessionJSONFields(sess)
	if err != nil {
		return err
	}

	query := `UPDATE conversation_sessions SET
		mode = ?, intent_level = ?, intent_signals_json = ?,
		lead_capture_step = ?, capture_prompt_count = ?, qualification_step = ?,
		qualification_answers_json = ?, history_json = ?, message_count = ?,
		lead_id = ?, booking_status = ?, version = version + 1,
		last_activity_at = ?, closed_at = ?
		WHERE id = ? AND version = ? AND closed_at IS NULL`

	result, err := s.db.ExecContext(ctx, query,
		string(sess.Mode), string(sess.IntentLevel), signals,
		nullString(string(sess.LeadCaptureStep)), sess.CapturePromptCount, sess.QualificationStep,
		answers, history, sess.MessageCount,
		nullString(sess.LeadID), string(sess.BookingStatus),
		sess.LastActivityAt.Unix(), nullTime(sess.ClosedAt),
		sess.ID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish losing the version race from writing to a session the
		// sweeper closed while this turn held it in memory.
		var closed bool
		err := s.db.QueryRowContext(ctx,
			`SELECT closed_at IS NOT NULL FROM conversation_sessions WHERE id = ?`, sess.ID).Scan(&closed)
		if err == nil && closed {
			return fmt.Errorf("update session %s: %w", sess.ID, domain.ErrSessionClosed)
		}
		return fmt.Errorf("update session %s at version %d: %w", sess.ID, sess.Version, domain.ErrVersionConflict)
	}

	sess.Version++
	return nil
}

// CloseSession marks a session terminal.
func (s *SQLiteStore) CloseSession(ctx context.Context, id string, closedAt time.Time) error {
	query := `UPDATE conversation_sessions SET closed_at = ?, version = version + 1
		WHERE id = ? AND closed_at IS NULL`
	result, err := s.db.ExecContext(ctx, query, closedAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if rows, raErr := result.RowsAffected(); raErr == nil && rows == 0 {
		slog.Debug("CloseSession affected 0 rows", "session_id", id)
	}
	return nil
}

// CloseExpiredSessions closes all open sessions past the inactivity TTL.
func (s *SQLiteStore) CloseExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	now := time.Now()
	threshold := now.Add(-ttl).Unix()
	query := `UPDATE conversation_sessions SET closed_at = ?, version = version + 1
		WHERE closed_at IS NULL AND last_activity_at < ?`
	result, err := s.db.ExecContext(ctx, query, now.Unix(), threshold)
	if err != nil {
		return 0, fmt.Errorf("close expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// CreateLead inserts a new lead record.
func (s *SQLiteStore) CreateLead(ctx context.Context, lead *domain.Lead) error {
	answers, err := marshalAnswers(lead.Answers)
	if err != nil {
		return err
	}
	query := `INSERT INTO leads (id, chatbot_id, session_id, email, name, reason, answers_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		lead.ID, lead.ChatbotID, lead.SessionID,
		nullString(lead.Email), nullString(lead.Name), nullString(lead.Reason),
		answers, lead.CreatedAt.Unix(), lead.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create lead: %w", err)
	}
	return nil
}

// UpdateLead updates contact fields and qualification answers. Empty fields
// in the update keep the stored value so partial captures never erase data.
func (s *SQLiteStore) UpdateLead(ctx context.Context, lead *domain.Lead) error {
	answers, err := marshalAnswers(lead.Answers)
	if err != nil {
		return err
	}
	query := `UPDATE leads SET
		email = COALESCE(?, email),
		name = COALESCE(?, name),
		reason = COALESCE(?, reason),
		answers_json = ?,
		updated_at = ?
		WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query,
		nullString(lead.Email), nullString(lead.Name), nullString(lead.Reason),
		answers, time.Now().Unix(), lead.ID,
	)
	if err != nil {
		return fmt.Errorf("update lead: %w", err)
	}
	if rows, raErr := result.RowsAffected(); raErr == nil && rows == 0 {
		return fmt.Errorf("update lead %s: not found", lead.ID)
	}
	return nil
}

// GetLead retrieves a lead by id.
func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*domain.Lead, error) {
	query := `SELECT id, chatbot_id, session_id, email, name, reason, answers_json, created_at, updated_at
		FROM leads WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	var lead domain.Lead
	var email, name, reason sql.NullString
	var answersJSON string
	var createdAt, updatedAt int64

	err := row.Scan(&lead.ID, &lead.ChatbotID, &lead.SessionID, &email, &name, &reason, &answersJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan lead row: %w", err)
	}

	lead.Email = email.String
	lead.Name = name.String
	lead.Reason = reason.String
	lead.CreatedAt = time.Unix(createdAt, 0)
	lead.UpdatedAt = time.Unix(updatedAt, 0)
	if err := json.Unmarshal([]byte(answersJSON), &lead.Answers); err != nil {
		return nil, fmt.Errorf("decode lead answers: %w", err)
	}

	return &lead, nil
}

// GetChatbotConfig retrieves the stored settings for a chatbot.
func (s *SQLiteStore) GetChatbotConfig(ctx context.Context, chatbotID string) (*domain.ChatbotConfig, error) {
	query := `SELECT chatbot_id, capture_json, system_instructions, updated_at
		FROM chatbot_configs WHERE chatbot_id = ?`
	row := s.db.QueryRowContext(ctx, query, chatbotID)

	var cfg domain.ChatbotConfig
	var captureJSON string
	var updatedAt int64

	err := row.Scan(&cfg.ChatbotID, &captureJSON, &cfg.SystemInstructions, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chatbot config: %w", err)
	}

	if err := json.Unmarshal([]byte(captureJSON), &cfg.Capture); err != nil {
		return nil, fmt.Errorf("decode capture config: %w", err)
	}
	cfg.UpdatedAt = time.Unix(updatedAt, 0)
	return &cfg, nil
}

// UpsertChatbotConfig creates or replaces a chatbot's settings.
func (s *SQLiteStore) UpsertChatbotConfig(ctx context.Context, cfg *domain.ChatbotConfig) error {
	captureJSON, err := json.Marshal(cfg.Capture)
	if err != nil {
		return fmt.Errorf("encode capture config: %w", err)
	}
	query := `INSERT INTO chatbot_configs (chatbot_id, capture_json, system_instructions, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chatbot_id) DO UPDATE SET
			capture_json = excluded.capture_json,
			system_instructions = excluded.system_instructions,
			updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query, cfg.ChatbotID, string(captureJSON), cfg.SystemInstructions, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert chatbot config: %w", err)
	}
	return nil
}

// GetCohortAssignment retrieves the persisted cohort for a chatbot.
func (s *SQLiteStore) GetCohortAssignment(ctx context.Context, chatbotID string) (*domain.CohortAssignment, error) {
	query := `SELECT chatbot_id, cohort, is_manual, assigned_at FROM cohort_assignments WHERE chatbot_id = ?`
	return scanCohort(s.db.QueryRowContext(ctx, query, chatbotID))
}

func scanCohort(row *sql.Row) (*domain.CohortAssignment, error) {
	var a domain.CohortAssignment
	var assignedAt int64
	err := row.Scan(&a.ChatbotID, &a.Cohort, &a.IsManual, &assignedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cohort assignment: %w", err)
	}
	a.AssignedAt = time.Unix(assignedAt, 0)
	return &a, nil
}

// InsertCohortIfAbsent persists an automatic assignment unless one exists.
// The DO NOTHING upsert makes concurrent first-access races converge on a
// single persisted row; the follow-up read returns whichever insert won.
func (s *SQLiteStore) InsertCohortIfAbsent(ctx context.Context, a *domain.CohortAssignment) (*domain.CohortAssignment, error) {
	query := `INSERT INTO cohort_assignments (chatbot_id, cohort, is_manual, assigned_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(chatbot_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, a.ChatbotID, string(a.Cohort), a.AssignedAt.Unix()); err != nil {
		return nil, fmt.Errorf("insert cohort assignment: %w", err)
	}
	persisted, err := s.GetCohortAssignment(ctx, a.ChatbotID)
	if err != nil {
		return nil, err
	}
	if persisted == nil {
		return nil, fmt.Errorf("cohort assignment for %s missing after insert", a.ChatbotID)
	}
	return persisted, nil
}

// SetManualCohort creates or overwrites an assignment, flagged manual.
func (s *SQLiteStore) SetManualCohort(ctx context.Context, a *domain.CohortAssignment) error {
	query := `INSERT INTO cohort_assignments (chatbot_id, cohort, is_manual, assigned_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(chatbot_id) DO UPDATE SET
			cohort = excluded.cohort,
			is_manual = 1,
			assigned_at = excluded.assigned_at`
	if _, err := s.db.ExecContext(ctx, query, a.ChatbotID, string(a.Cohort), a.AssignedAt.Unix()); err != nil {
		return fmt.Errorf("set manual cohort: %w", err)
	}
	return nil
}

// ResetAutomaticCohorts deletes all non-manual assignments.
func (s *SQLiteStore) ResetAutomaticCohorts(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cohort_assignments WHERE is_manual = 0`)
	if err != nil {
		return 0, fmt.Errorf("reset automatic cohorts: %w", err)
	}
	return result.RowsAffected()
}

// InsertShadowComparison appends one comparison row.
func (s *SQLiteStore) InsertShadowComparison(ctx context.Context, c *domain.ShadowComparison) error {
	query := `INSERT INTO shadow_comparisons (
		id, chatbot_id, session_id,
		primary_mode, primary_response, primary_intent, primary_latency_ms,
		agent_mode, agent_response, agent_intent, agent_latency_ms, agent_failed,
		mode_matches, intent_matches, response_similarity, alignment_score, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.ChatbotID, c.SessionID,
		string(c.PrimaryMode), c.PrimaryResponse, nullString(string(c.PrimaryIntent)), c.PrimaryLatency.Milliseconds(),
		nullString(string(c.AgentMode)), c.AgentResponse, nullString(string(c.AgentIntent)), c.AgentLatency.Milliseconds(), c.AgentFailed,
		c.ModeMatches, c.IntentMatches, c.ResponseSimilarity, c.AlignmentScore, c.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert shadow comparison: %w", err)
	}
	return nil
}

// GetShadowStats aggregates comparison rows for a chatbot.
func (s *SQLiteStore) GetShadowStats(ctx context.Context, chatbotID string) (*domain.ShadowStats, error) {
	query := `SELECT
		COUNT(*),
		COALESCE(AVG(mode_matches), 0),
		COALESCE(AVG(intent_matches), 0),
		COALESCE(AVG(response_similarity), 0),
		COALESCE(AVG(alignment_score), 0),
		COALESCE(SUM(agent_failed), 0)
		FROM shadow_comparisons WHERE chatbot_id = ?`
	row := s.db.QueryRowContext(ctx, query, chatbotID)

	stats := &domain.ShadowStats{ChatbotID: chatbotID}
	err := row.Scan(&stats.Comparisons, &stats.ModeMatchRate, &stats.IntentMatchRate,
		&stats.AvgSimilarity, &stats.AvgAlignment, &stats.AgentFailures)
	if err != nil {
		return nil, fmt.Errorf("scan shadow stats: %w", err)
	}
	return stats, nil
}

func marshalAnswers(answers map[string]string) (string, error) {
	if answers == nil {
		answers = map[string]string{}
	}
	b, err := json.Marshal(answers)
	if err != nil {
		return "", fmt.Errorf("encode answers: %w", err)
	}
	return string(b), nil
}

func nullString(v string) interface{} {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
