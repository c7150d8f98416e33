package widget

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/chatfunnel/internal/identity"
	"github.com/ashureev/chatfunnel/internal/session"
)

// WebSocketHandler upgrades widget connections and pumps turns through the
// session service.
type WebSocketHandler struct {
	svc   *session.Service
	cm    *ConnManager
	isDev bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(svc *session.Service, cm *ConnManager, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{svc: svc, cm: cm, isDev: isDev}
}

// inbound is one message from the widget.
type inbound struct {
	Type        string `json:"type"`
	Message     string `json:"message,omitempty"`
	PageURL     string `json:"page_url,omitempty"`
	ReferrerURL string `json:"referrer_url,omitempty"`
}

// outbound is one message to the widget.
type outbound struct {
	Type       string                `json:"type"`
	SessionKey string                `json:"session_key,omitempty"`
	Turn       *session.TurnResponse `json:"turn,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// ServeHTTP implements the WebSocket upgrade at GET /ws/widget.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	chatbotID := r.URL.Query().Get("chatbot_id")
	if chatbotID == "" {
		http.Error(w, "chatbot_id is required", http.StatusBadRequest)
		return
	}

	sessionKey := identity.SessionKeyFromContext(r.Context())
	if sessionKey == "" {
		sessionKey = uuid.NewString()
	}
	slog.Info("widget connection request",
		"chatbot_id", chatbotID, "session_key", sessionKey, "ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The widget is embedded on arbitrary customer origins.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept widget websocket", "error", err, "chatbot_id", chatbotID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "conversation ended"); closeErr != nil {
			slog.Debug("failed to close widget websocket", "error", closeErr)
		}
	}()

	h.cm.Register(chatbotID, sessionKey, ws)
	defer h.cm.Unregister(chatbotID, sessionKey, ws)

	ctx := r.Context()

	// Tell the widget which session key to persist in localStorage.
	if err := h.writeJSON(ctx, ws, outbound{Type: "ready", SessionKey: sessionKey}); err != nil {
		return
	}

	for {
		msg, err := h.readMessage(ctx, ws)
		if err != nil {
			if !isExpectedClose(err) {
				slog.Debug("widget websocket read error", "error", err, "chatbot_id", chatbotID)
			}
			return
		}
		if msg.Type != "message" {
			continue
		}

		out, err := h.svc.ProcessTurn(ctx, session.TurnRequest{
			ChatbotID:   chatbotID,
			SessionKey:  sessionKey,
			Message:     msg.Message,
			PageURL:     msg.PageURL,
			ReferrerURL: msg.ReferrerURL,
		})
		if err != nil {
			slog.Warn("widget turn failed", "chatbot_id", chatbotID, "session_key", sessionKey, "error", err)
			if writeErr := h.writeJSON(ctx, ws, outbound{Type: "error", Error: "failed to process message"}); writeErr != nil {
				return
			}
			continue
		}

		if err := h.writeJSON(ctx, ws, outbound{Type: "turn", SessionKey: out.SessionKey, Turn: out}); err != nil {
			return
		}
	}
}

func (h *WebSocketHandler) readMessage(ctx context.Context, ws *websocket.Conn) (*inbound, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func isExpectedClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}
