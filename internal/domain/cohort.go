package domain

import "time"

// Cohort names which decision path serves a chatbot.
type Cohort string

const (
	CohortAgent        Cohort = "agent"
	CohortStateMachine Cohort = "state_machine"
)

// Valid reports whether c is a known cohort value.
func (c Cohort) Valid() bool {
	return c == CohortAgent || c == CohortStateMachine
}

// CohortAssignment is the persisted cohort decision for a chatbot.
// Automatic assignments are stable across rollout-percentage changes;
// manual assignments are never overwritten by automatic recalculation.
type CohortAssignment struct {
	ChatbotID  string
	Cohort     Cohort
	IsManual   bool
	AssignedAt time.Time
}
