// Package retrieval is the HTTP client for the external answer service
// that performs retrieval-augmented generation over each chatbot's
// knowledge base.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashureev/chatfunnel/internal/dialogue"
	"github.com/ashureev/chatfunnel/internal/domain"
)

// Client calls the answer service's POST /v1/answer endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a retrieval client. timeout bounds each request on top
// of the per-call context deadline.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = dialogue.DefaultAnswerTimeout
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type answerRequest struct {
	ChatbotID    string                 `json:"chatbot_id"`
	Query        string                 `json:"query"`
	History      []domain.StoredMessage `json:"history,omitempty"`
	Instructions string                 `json:"instructions,omitempty"`
}

type answerResponse struct {
	Text       string   `json:"text"`
	Sources    []string `json:"sources"`
	Confidence float64  `json:"confidence"`
}

// Answer implements dialogue.AnswerProvider.
func (c *Client) Answer(ctx context.Context, chatbotID, query string, history []domain.StoredMessage, instructions string) (*dialogue.Answer, error) {
	body, err := json.Marshal(answerRequest{
		ChatbotID:    chatbotID,
		Query:        query,
		History:      history,
		Instructions: instructions,
	})
	if err != nil {
		return nil, fmt.Errorf("encode answer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/answer", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build answer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRetrieval, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little of the body for the log line, then discard.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: answer service returned %d: %s", domain.ErrRetrieval, resp.StatusCode, snippet)
	}

	var out answerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode answer response: %v", domain.ErrRetrieval, err)
	}
	if out.Text == "" {
		return nil, fmt.Errorf("%w: answer service returned empty text", domain.ErrRetrieval)
	}

	return &dialogue.Answer{Text: out.Text, Sources: out.Sources, Confidence: out.Confidence}, nil
}
