package domain

import "time"

// ChatbotConfig is the stored per-chatbot configuration. The capture
// settings are re-read by the caller on every turn so edits take effect
// immediately; the engine itself never persists them.
type ChatbotConfig struct {
	ChatbotID          string
	Capture            LeadCaptureConfig
	SystemInstructions string
	UpdatedAt          time.Time
}
