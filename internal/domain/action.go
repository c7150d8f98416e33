package domain

// Action is a side effect requested by the state machine and applied by the
// caller. It is a closed union: every kind is a concrete struct below, and
// consumers switch exhaustively on the concrete type so a new kind cannot be
// silently ignored.
type Action interface {
	ActionKind() string
}

// CaptureLead asks the caller to create or update the lead record.
type CaptureLead struct {
	Email  string
	Name   string
	Reason string
}

// UpdateIntent asks the caller to fold a detection result into the session.
type UpdateIntent struct {
	Level   IntentLevel
	Signals []string
}

// SaveQualification asks the caller to store one qualification answer.
type SaveQualification struct {
	QuestionID string
	Answer     string
}

func (CaptureLead) ActionKind() string       { return "capture_lead" }
func (UpdateIntent) ActionKind() string      { return "update_intent" }
func (SaveQualification) ActionKind() string { return "save_qualification" }
