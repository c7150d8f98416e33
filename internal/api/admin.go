package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatfunnel/internal/cohort"
	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/ashureev/chatfunnel/internal/shadow"
	"github.com/ashureev/chatfunnel/internal/store"
)

// AdminHandler handles rollout, shadow and chatbot-config endpoints.
type AdminHandler struct {
	*Handler
	repo    store.Repository
	cohorts *cohort.Assigner
	shadow  *shadow.Runner
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(base *Handler, repo store.Repository, cohorts *cohort.Assigner, shadowRunner *shadow.Runner) *AdminHandler {
	return &AdminHandler{Handler: base, repo: repo, cohorts: cohorts, shadow: shadowRunner}
}

// RegisterRoutes registers the admin routes.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/rollout", h.GetRollout)
		r.Put("/rollout", h.SetRollout)
		r.Post("/rollout/reset", h.ResetCohorts)
		r.Get("/cohort/{chatbotID}", h.GetCohort)
		r.Put("/cohort/{chatbotID}", h.SetCohort)
		r.Get("/shadow", h.GetShadow)
		r.Put("/shadow", h.SetShadow)
		r.Get("/shadow/stats/{chatbotID}", h.GetShadowStats)
		r.Get("/config/{chatbotID}", h.GetChatbotConfig)
		r.Put("/config/{chatbotID}", h.SetChatbotConfig)
	})
}

// GetRollout returns the current rollout percentage.
func (h *AdminHandler) GetRollout(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]int{"rollout_percentage": h.cohorts.RolloutPercentage()})
}

// SetRollout updates the rollout percentage.
func (h *AdminHandler) SetRollout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RolloutPercentage int `json:"rollout_percentage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RolloutPercentage < 0 || req.RolloutPercentage > 100 {
		Error(w, http.StatusBadRequest, "rollout_percentage must be between 0 and 100")
		return
	}
	h.cohorts.SetRolloutPercentage(req.RolloutPercentage)
	JSON(w, http.StatusOK, map[string]int{"rollout_percentage": h.cohorts.RolloutPercentage()})
}

// ResetCohorts drops automatic assignments so they are recomputed.
func (h *AdminHandler) ResetCohorts(w http.ResponseWriter, r *http.Request) {
	n, err := h.cohorts.ResetAll(r.Context())
	if err != nil {
		slog.Error("cohort reset failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to reset cohorts")
		return
	}
	JSON(w, http.StatusOK, map[string]int64{"reset": n})
}

// GetCohort returns the cohort a chatbot is assigned to, assigning on
// first access.
func (h *AdminHandler) GetCohort(w http.ResponseWriter, r *http.Request) {
	chatbotID := chi.URLParam(r, "chatbotID")
	c, err := h.cohorts.GetCohort(r.Context(), chatbotID)
	if err != nil {
		slog.Error("cohort lookup failed", "chatbot_id", chatbotID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to resolve cohort")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"chatbot_id": chatbotID,
		"cohort":     c,
		"bucket":     cohort.Bucket(chatbotID),
	})
}

// SetCohort manually pins a chatbot to a cohort.
func (h *AdminHandler) SetCohort(w http.ResponseWriter, r *http.Request) {
	chatbotID := chi.URLParam(r, "chatbotID")
	var req struct {
		Cohort domain.Cohort `json:"cohort"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.cohorts.AssignCohort(r.Context(), chatbotID, req.Cohort); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			Error(w, http.StatusBadRequest, "cohort must be \"agent\" or \"state_machine\"")
			return
		}
		slog.Error("manual cohort assignment failed", "chatbot_id", chatbotID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to assign cohort")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"chatbot_id": chatbotID, "cohort": req.Cohort, "manual": true})
}

// GetShadow returns whether shadow mode is enabled.
func (h *AdminHandler) GetShadow(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]bool{"enabled": h.shadow.Enabled()})
}

// SetShadow toggles shadow mode.
func (h *AdminHandler) SetShadow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.shadow.SetEnabled(req.Enabled)
	JSON(w, http.StatusOK, map[string]bool{"enabled": h.shadow.Enabled()})
}

// GetShadowStats returns aggregated comparison metrics for a chatbot.
func (h *AdminHandler) GetShadowStats(w http.ResponseWriter, r *http.Request) {
	chatbotID := chi.URLParam(r, "chatbotID")
	stats, err := h.repo.GetShadowStats(r.Context(), chatbotID)
	if err != nil {
		slog.Error("shadow stats failed", "chatbot_id", chatbotID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load shadow stats")
		return
	}
	JSON(w, http.StatusOK, stats)
}

type chatbotConfigPayload struct {
	LeadCaptureEnabled  bool                           `json:"lead_capture_enabled"`
	Trigger             domain.TriggerThreshold        `json:"trigger"`
	RequireName         bool                           `json:"require_name"`
	RequireReason       bool                           `json:"require_reason"`
	BookingEnabled      bool                           `json:"booking_enabled"`
	BookingURL          string                         `json:"booking_url"`
	QualificationQs     []domain.QualificationQuestion `json:"qualification_questions"`
	IntentKeywords      []string                       `json:"intent_keywords"`
	HighIntentPages     []string                       `json:"high_intent_pages"`
	ClosureMessage      string                         `json:"closure_message"`
	BookingOfferMessage string                         `json:"booking_offer_message"`
	SystemInstructions  string                         `json:"system_instructions"`
}

// GetChatbotConfig returns a chatbot's stored configuration.
func (h *AdminHandler) GetChatbotConfig(w http.ResponseWriter, r *http.Request) {
	chatbotID := chi.URLParam(r, "chatbotID")
	cfg, err := h.repo.GetChatbotConfig(r.Context(), chatbotID)
	if err != nil {
		slog.Error("chatbot config lookup failed", "chatbot_id", chatbotID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load config")
		return
	}
	if cfg == nil {
		Error(w, http.StatusNotFound, "config not found")
		return
	}
	JSON(w, http.StatusOK, chatbotConfigPayload{
		LeadCaptureEnabled:  cfg.Capture.LeadCaptureEnabled,
		Trigger:             cfg.Capture.Trigger,
		RequireName:         cfg.Capture.RequireName,
		RequireReason:       cfg.Capture.RequireReason,
		BookingEnabled:      cfg.Capture.BookingEnabled,
		BookingURL:          cfg.Capture.BookingURL,
		QualificationQs:     cfg.Capture.QualificationQs,
		IntentKeywords:      cfg.Capture.IntentKeywords,
		HighIntentPages:     cfg.Capture.HighIntentPages,
		ClosureMessage:      cfg.Capture.ClosureMessage,
		BookingOfferMessage: cfg.Capture.BookingOfferMessage,
		SystemInstructions:  cfg.SystemInstructions,
	})
}

var validTriggers = map[domain.TriggerThreshold]bool{
	domain.TriggerAlways:       true,
	domain.TriggerMediumIntent: true,
	domain.TriggerHighIntent:   true,
}

// SetChatbotConfig creates or replaces a chatbot's configuration.
func (h *AdminHandler) SetChatbotConfig(w http.ResponseWriter, r *http.Request) {
	chatbotID := chi.URLParam(r, "chatbotID")
	var req chatbotConfigPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Trigger == "" {
		req.Trigger = domain.TriggerMediumIntent
	}
	if !validTriggers[req.Trigger] {
		Error(w, http.StatusBadRequest, "trigger must be ALWAYS, MEDIUM_INTENT or HIGH_INTENT")
		return
	}

	cfg := &domain.ChatbotConfig{
		ChatbotID: chatbotID,
		Capture: domain.LeadCaptureConfig{
			LeadCaptureEnabled:  req.LeadCaptureEnabled,
			Trigger:             req.Trigger,
			RequireName:         req.RequireName,
			RequireReason:       req.RequireReason,
			BookingEnabled:      req.BookingEnabled,
			BookingURL:          req.BookingURL,
			QualificationQs:     req.QualificationQs,
			IntentKeywords:      req.IntentKeywords,
			HighIntentPages:     req.HighIntentPages,
			ClosureMessage:      req.ClosureMessage,
			BookingOfferMessage: req.BookingOfferMessage,
		},
		SystemInstructions: req.SystemInstructions,
		UpdatedAt:          time.Now(),
	}
	if err := h.repo.UpsertChatbotConfig(r.Context(), cfg); err != nil {
		slog.Error("chatbot config upsert failed", "chatbot_id", chatbotID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save config")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"chatbot_id": chatbotID, "status": "saved"})
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo store.Repository
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/healthz", h.Health)
}
