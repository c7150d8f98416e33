// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port              string
	FrontendURL       string
	DBPath            string
	SessionTTL        time.Duration
	SweepInterval     time.Duration
	AnswerServiceURL  string
	AnswerTimeout     time.Duration
	ShadowEnabled     bool
	RolloutPercentage int
	LeadWebhookURL    string
	LeadWebhookWait   time.Duration
	AllowedOrigins    []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DBPath:            getEnv("DB_PATH", "./data/chatfunnel.db"),
		SessionTTL:        getEnvDuration("SESSION_TTL", 24*time.Hour),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		AnswerServiceURL:  getEnv("ANSWER_SERVICE_URL", ""),
		AnswerTimeout:     getEnvDuration("ANSWER_TIMEOUT", 15*time.Second),
		ShadowEnabled:     getEnvBool("SHADOW_ENABLED", false),
		RolloutPercentage: getEnvInt("ROLLOUT_PERCENTAGE", 0),
		LeadWebhookURL:    getEnv("LEAD_WEBHOOK_URL", ""),
		LeadWebhookWait:   getEnvDuration("LEAD_WEBHOOK_TIMEOUT", 5*time.Second),
		AllowedOrigins:    splitList(getEnv("ALLOWED_ORIGINS", "*")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.RolloutPercentage < 0 || c.RolloutPercentage > 100 {
		return fmt.Errorf("ROLLOUT_PERCENTAGE must be between 0 and 100")
	}
	if c.AnswerTimeout <= 0 {
		return fmt.Errorf("ANSWER_TIMEOUT must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
