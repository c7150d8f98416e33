package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatfunnel/internal/agentpath"
	"github.com/ashureev/chatfunnel/internal/cohort"
	"github.com/ashureev/chatfunnel/internal/dialogue"
	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/ashureev/chatfunnel/internal/notify"
	"github.com/ashureev/chatfunnel/internal/session"
	"github.com/ashureev/chatfunnel/internal/shadow"
	"github.com/ashureev/chatfunnel/internal/store"
)

type stubProvider struct{ text string }

func (p *stubProvider) Answer(ctx context.Context, chatbotID, query string, history []domain.StoredMessage, instructions string) (*dialogue.Answer, error) {
	return &dialogue.Answer{Text: p.text}, nil
}

func newTestRouter(t *testing.T) (chi.Router, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	provider := &stubProvider{text: "we build chat widgets"}
	machine := dialogue.NewMachine(provider, time.Second)
	agent := agentpath.NewRunner(provider, time.Second)
	cohorts := cohort.NewAssigner(repo, 0)
	shadowRunner := shadow.NewRunner(repo, agent, time.Second, false)
	svc := session.NewService(repo, machine, agent, cohorts, shadowRunner, notify.NoopSink{}, session.DefaultSessionTTL)

	base := NewHandler()
	r := chi.NewRouter()
	NewChatHandler(base, svc).RegisterRoutes(r)
	NewAdminHandler(base, repo, cohorts, shadowRunner).RegisterRoutes(r)
	NewHealthHandler(repo).RegisterHealth(r)
	return r, repo
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestChatEndpoint(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/chat", map[string]string{
		"chatbot_id": "bot-1",
		"message":    "what do you do?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var out session.TurnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.SessionKey == "" {
		t.Error("expected a session key in the response")
	}
	if out.Response != "we build chat widgets" {
		t.Errorf("Response = %q", out.Response)
	}
}

func TestChatEndpointValidation(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/chat", map[string]string{"message": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing chatbot_id: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/chat", map[string]string{"chatbot_id": "bot-1", "message": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty message: status = %d, want 400", rec.Code)
	}
}

func TestSessionEndpoint(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/chat", map[string]string{
		"chatbot_id":  "bot-1",
		"session_key": "visitor-1",
		"message":     "hello",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/session?chatbot_id=bot-1&session_key=visitor-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("session status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var snap map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap["mode"] != "INFO" {
		t.Errorf("mode = %v, want INFO", snap["mode"])
	}
	if snap["message_count"].(float64) != 2 {
		t.Errorf("message_count = %v, want 2", snap["message_count"])
	}

	rec = doJSON(t, r, http.MethodGet, "/api/session?chatbot_id=bot-1&session_key=missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", rec.Code)
	}
}

func TestRolloutEndpoints(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPut, "/api/admin/rollout", map[string]int{"rollout_percentage": 30})
	if rec.Code != http.StatusOK {
		t.Fatalf("set rollout status = %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/admin/rollout", nil)
	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode rollout: %v", err)
	}
	if got["rollout_percentage"] != 30 {
		t.Errorf("rollout = %d, want 30", got["rollout_percentage"])
	}

	rec = doJSON(t, r, http.MethodPut, "/api/admin/rollout", map[string]int{"rollout_percentage": 150})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("out-of-range rollout status = %d, want 400", rec.Code)
	}
}

func TestCohortEndpoints(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/api/admin/cohort/bot-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get cohort status = %d", rec.Code)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode cohort: %v", err)
	}
	if got["cohort"] != "state_machine" {
		t.Errorf("cohort = %v at 0%% rollout, want state_machine", got["cohort"])
	}

	rec = doJSON(t, r, http.MethodPut, "/api/admin/cohort/bot-1", map[string]string{"cohort": "agent"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set cohort status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, r, http.MethodGet, "/api/admin/cohort/bot-1", nil)
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got["cohort"] != "agent" {
		t.Errorf("cohort = %v after manual pin, want agent", got["cohort"])
	}

	rec = doJSON(t, r, http.MethodPut, "/api/admin/cohort/bot-1", map[string]string{"cohort": "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid cohort status = %d, want 400", rec.Code)
	}
}

func TestShadowEndpoints(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/api/admin/shadow", nil)
	var got map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got["enabled"] {
		t.Error("shadow should start disabled in this fixture")
	}

	rec = doJSON(t, r, http.MethodPut, "/api/admin/shadow", map[string]bool{"enabled": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("set shadow status = %d", rec.Code)
	}
	rec = doJSON(t, r, http.MethodGet, "/api/admin/shadow", nil)
	json.Unmarshal(rec.Body.Bytes(), &got)
	if !got["enabled"] {
		t.Error("shadow toggle did not stick")
	}

	rec = doJSON(t, r, http.MethodGet, "/api/admin/shadow/stats/bot-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("shadow stats status = %d", rec.Code)
	}
	var stats domain.ShadowStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Comparisons != 0 {
		t.Errorf("Comparisons = %d for fresh chatbot, want 0", stats.Comparisons)
	}
}

func TestChatbotConfigEndpoints(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/api/admin/config/bot-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing config status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, r, http.MethodPut, "/api/admin/config/bot-1", chatbotConfigPayload{
		LeadCaptureEnabled: true,
		Trigger:            domain.TriggerHighIntent,
		IntentKeywords:     []string{"pricing"},
		BookingEnabled:     true,
		BookingURL:         "https://cal.example.com/team",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put config status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/api/admin/config/bot-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get config status = %d", rec.Code)
	}
	var cfg chatbotConfigPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.Trigger != domain.TriggerHighIntent || cfg.BookingURL != "https://cal.example.com/team" {
		t.Errorf("config round trip mismatch: %+v", cfg)
	}

	rec = doJSON(t, r, http.MethodPut, "/api/admin/config/bot-1", map[string]string{"trigger": "SOMETIMES"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid trigger status = %d, want 400", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if got["status"] != "healthy" {
		t.Errorf("status = %v", got["status"])
	}
}
