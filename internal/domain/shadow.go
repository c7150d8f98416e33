package domain

import "time"

// ShadowComparison is one append-only record of a dual-path turn.
type ShadowComparison struct {
	ID                 string
	ChatbotID          string
	SessionID          string
	PrimaryMode        Mode
	PrimaryResponse    string
	PrimaryIntent      IntentLevel
	PrimaryLatency     time.Duration
	AgentMode          Mode
	AgentResponse      string
	AgentIntent        IntentLevel
	AgentLatency       time.Duration
	AgentFailed        bool
	ModeMatches        bool
	IntentMatches      bool
	ResponseSimilarity float64 // Jaccard word-set similarity in [0,1]
	AlignmentScore     float64 // weighted score in [0,100]
	CreatedAt          time.Time
}

// ShadowStats aggregates comparison rows per chatbot.
type ShadowStats struct {
	ChatbotID       string  `json:"chatbot_id"`
	Comparisons     int64   `json:"comparisons"`
	ModeMatchRate   float64 `json:"mode_match_rate"`
	IntentMatchRate float64 `json:"intent_match_rate"`
	AvgSimilarity   float64 `json:"avg_similarity"`
	AvgAlignment    float64 `json:"avg_alignment"`
	AgentFailures   int64   `json:"agent_failures"`
}
