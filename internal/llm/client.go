// Package llm is a client for an Ollama-compatible chat completion API used
// for metadata extraction and fuzzy sender matching.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ExtractedFields is the structured metadata pulled from document text.
// Confidence maps field names to the model's per-field confidence in [0,1].
type ExtractedFields struct {
	Title        string             `json:"title"`
	Sender       string             `json:"sender"`
	DocumentType string             `json:"document_type"`
	DocumentDate string             `json:"document_date"`
	Summary      string             `json:"summary,omitempty"`
	Confidence   map[string]float64 `json:"confidence,omitempty"`
}

// APIError is a non-2xx response from the model server.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm API error (status %d): %s", e.StatusCode, e.Body)
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client talks to an Ollama-compatible /api/chat endpoint.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient creates an LLM client for the given endpoint and model.
func NewClient(baseURL, model string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []chatMessage   `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   json.RawMessage `json:"format,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

const extractSystemPrompt = `You extract metadata from scanned documents.
Respond with a single JSON object containing the keys "title", "sender",
"document_type", "document_date" (ISO 8601 date or empty string), "summary"
and "confidence" (an object mapping each of the other keys to a number
between 0 and 1). Use the document's language for the title. Do not invent
data that is not present in the text.`

// ExtractFields asks the model for structured metadata over the OCR text.
func (c *Client) ExtractFields(ctx context.Context, text string) (*ExtractedFields, error) {
	content, err := c.chat(ctx, []chatMessage{
		{Role: "system", Content: extractSystemPrompt},
		{Role: "user", Content: text},
	}, json.RawMessage(`"json"`))
	if err != nil {
		return nil, err
	}

	var fields ExtractedFields
	if err := json.Unmarshal([]byte(stripFences(content)), &fields); err != nil {
		return nil, fmt.Errorf("failed to parse extraction response: %w", err)
	}
	return &fields, nil
}

const matchSystemPrompt = `You match a document sender name against a list of
known correspondents. Respond with a single JSON object containing the keys
"match" (the exact candidate name, or an empty string when nothing matches)
and "confidence" (a number between 0 and 1). Different legal entities of the
same organisation count as a match.`

// MatchSender asks the model which candidate best matches the extracted
// sender name. It returns the chosen candidate and a confidence score; an
// empty candidate means no plausible match.
func (c *Client) MatchSender(ctx context.Context, name string, candidates []string) (string, float64, error) {
	prompt := fmt.Sprintf("Sender: %s\nCandidates:\n- %s", name, strings.Join(candidates, "\n- "))
	content, err := c.chat(ctx, []chatMessage{
		{Role: "system", Content: matchSystemPrompt},
		{Role: "user", Content: prompt},
	}, json.RawMessage(`"json"`))
	if err != nil {
		return "", 0, err
	}

	var result struct {
		Match      string  `json:"match"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &result); err != nil {
		return "", 0, fmt.Errorf("failed to parse match response: %w", err)
	}
	return result.Match, result.Confidence, nil
}

func (c *Client) chat(ctx context.Context, messages []chatMessage, format json.RawMessage) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Format:   format,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return chatResp.Message.Content, nil
}

// stripFences removes markdown code fences some models wrap JSON output in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
