// Package notify delivers lead-captured events to an external webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/chatfunnel/internal/domain"
)

// Sink receives lead events. Implementations must not block the caller.
type Sink interface {
	LeadCaptured(lead *domain.Lead)
	BookingAccepted(lead *domain.Lead)
	Close()
}

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) LeadCaptured(*domain.Lead)    {}
func (NoopSink) BookingAccepted(*domain.Lead) {}
func (NoopSink) Close()                       {}

// WebhookSink POSTs lead events to a configured URL from a single worker
// goroutine. Deliveries are fire-and-forget: a full queue or a failed POST
// is logged and dropped, never retried and never surfaced to the visitor.
type WebhookSink struct {
	url    string
	http   *http.Client
	queue  chan queued
	done   chan struct{}
	closed sync.Once
}

type queued struct {
	event string
	lead  *domain.Lead
}

const webhookQueueSize = 64

// NewWebhookSink starts the delivery worker.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &WebhookSink{
		url:   url,
		http:  &http.Client{Timeout: timeout},
		queue: make(chan queued, webhookQueueSize),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// LeadCaptured enqueues a delivery. Drops the event when the queue is full.
func (s *WebhookSink) LeadCaptured(lead *domain.Lead) {
	s.enqueue("lead.captured", lead)
}

// BookingAccepted enqueues a booking acceptance delivery.
func (s *WebhookSink) BookingAccepted(lead *domain.Lead) {
	s.enqueue("booking.accepted", lead)
}

func (s *WebhookSink) enqueue(event string, lead *domain.Lead) {
	select {
	case s.queue <- queued{event: event, lead: lead}:
	default:
		slog.Warn("lead webhook queue full, dropping event", "event", event, "lead_id", lead.ID)
	}
}

// Close stops the worker after draining queued events.
func (s *WebhookSink) Close() {
	s.closed.Do(func() {
		close(s.queue)
		<-s.done
	})
}

func (s *WebhookSink) run() {
	defer close(s.done)
	for q := range s.queue {
		s.deliver(q.event, q.lead)
	}
}

type leadEvent struct {
	Event     string            `json:"event"`
	LeadID    string            `json:"lead_id"`
	ChatbotID string            `json:"chatbot_id"`
	SessionID string            `json:"session_id"`
	Email     string            `json:"email,omitempty"`
	Name      string            `json:"name,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Answers   map[string]string `json:"answers,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (s *WebhookSink) deliver(event string, lead *domain.Lead) {
	body, err := json.Marshal(leadEvent{
		Event:     event,
		LeadID:    lead.ID,
		ChatbotID: lead.ChatbotID,
		SessionID: lead.SessionID,
		Email:     lead.Email,
		Name:      lead.Name,
		Reason:    lead.Reason,
		Answers:   lead.Answers,
		CreatedAt: lead.CreatedAt,
	})
	if err != nil {
		slog.Error("encode lead event", "lead_id", lead.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.http.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		slog.Error("build lead webhook request", "lead_id", lead.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		slog.Warn("lead webhook delivery failed", "lead_id", lead.ID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("lead webhook rejected", "lead_id", lead.ID, "status", resp.StatusCode)
	}
}
