package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/ashureev/chatfunnel/internal/identity"
	"github.com/ashureev/chatfunnel/internal/session"
)

// ChatHandler handles the widget-facing conversation endpoints.
type ChatHandler struct {
	*Handler
	svc *session.Service
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(base *Handler, svc *session.Service) *ChatHandler {
	return &ChatHandler{Handler: base, svc: svc}
}

// RegisterRoutes registers the widget-facing routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.Chat)
		r.Get("/session", h.GetSession)
	})
}

type chatRequest struct {
	ChatbotID   string `json:"chatbot_id"`
	SessionKey  string `json:"session_key"`
	Message     string `json:"message"`
	PageURL     string `json:"page_url"`
	ReferrerURL string `json:"referrer_url"`
}

const maxChatBodyBytes = 16 << 10

// Chat processes one visitor message and returns the engine's reply.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChatbotID == "" {
		Error(w, http.StatusBadRequest, "chatbot_id is required")
		return
	}

	key := identity.SanitizeSessionKey(req.SessionKey)
	if key == "" {
		key = identity.SessionKeyFromContext(r.Context())
	}

	out, err := h.svc.ProcessTurn(r.Context(), session.TurnRequest{
		ChatbotID:   req.ChatbotID,
		SessionKey:  key,
		Message:     req.Message,
		PageURL:     req.PageURL,
		ReferrerURL: req.ReferrerURL,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			Error(w, http.StatusBadRequest, "message cannot be empty")
		case errors.Is(err, domain.ErrSessionClosed):
			Error(w, http.StatusConflict, "session is closed")
		default:
			slog.Error("chat turn failed", "chatbot_id", req.ChatbotID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to process message")
		}
		return
	}

	JSON(w, http.StatusOK, out)
}

// GetSession returns the open session snapshot for a chatbot and key.
func (h *ChatHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	chatbotID := r.URL.Query().Get("chatbot_id")
	if chatbotID == "" {
		Error(w, http.StatusBadRequest, "chatbot_id is required")
		return
	}
	key := identity.SanitizeSessionKey(r.URL.Query().Get("session_key"))
	if key == "" {
		key = identity.SessionKeyFromContext(r.Context())
	}
	if key == "" {
		Error(w, http.StatusBadRequest, "session_key is required")
		return
	}

	sess, err := h.svc.Snapshot(r.Context(), chatbotID, key)
	if err != nil {
		slog.Error("session snapshot failed", "chatbot_id", chatbotID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"session_key":    sess.SessionKey,
		"mode":           sess.Mode,
		"intent":         sess.IntentLevel,
		"intent_signals": sess.SignalList(),
		"message_count":  sess.MessageCount,
		"has_lead":       sess.HasLead(),
		"booking_status": sess.BookingStatus,
		"started_at":     sess.StartedAt,
		"history":        sess.MessageHistory,
	})
}
