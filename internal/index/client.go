// Package index is a client for the downstream semantic search service that
// receives finalized documents for embedding and retrieval.
package index

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// APIError is a non-2xx response from the index service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("index API error (status %d): %s", e.StatusCode, e.Body)
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithKnowledgeBase targets a named collection on the index service instead
// of its default one.
func WithKnowledgeBase(name string) ClientOption {
	return func(c *Client) {
		c.knowledgeBase = name
	}
}

// Client pushes documents into the semantic index.
type Client struct {
	baseURL       string
	apiKey        string
	knowledgeBase string
	httpClient    *http.Client
}

// NewClient creates an index client.
func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sync uploads a document's content to the index under its archive identity.
// Re-syncing the same document replaces the previous version.
func (c *Client) Sync(ctx context.Context, documentID, filename string, content []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("document_id", documentID); err != nil {
		return fmt.Errorf("failed to write sync form: %w", err)
	}
	if c.knowledgeBase != "" {
		if err := w.WriteField("knowledge_base", c.knowledgeBase); err != nil {
			return fmt.Errorf("failed to write sync form: %w", err)
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("failed to build sync form: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("failed to write sync body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize sync form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/documents", &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sync request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}
