// Package archive is a client for the external document archive's REST API
// (Paperless-ngx compatible). Every call carries a bounded timeout via the
// caller's context plus the client-level timeout.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Correspondent is an archive-side entity representing a document's sender.
type Correspondent struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Tag is an archive-side label attached to documents.
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Document is the archive's view of a stored document.
type Document struct {
	ID            int64   `json:"id"`
	Title         string  `json:"title"`
	Correspondent int64   `json:"correspondent"`
	DocumentType  int64   `json:"document_type"`
	Created       string  `json:"created"`
	Tags          []int64 `json:"tags"`
}

// DocumentPatch carries the metadata written back after extraction. Nil
// fields are left untouched.
type DocumentPatch struct {
	Title         *string `json:"title,omitempty"`
	Correspondent *int64  `json:"correspondent,omitempty"`
	Created       *string `json:"created,omitempty"`
	Tags          []int64 `json:"tags,omitempty"`
}

// APIError is a non-2xx response from the archive.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("archive API error (status %d): %s", e.StatusCode, e.Body)
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client is an HTTP client for the archive API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates an archive client with token authentication.
func NewClient(baseURL, token string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Document fetches document metadata by archive ID.
func (c *Client) Document(ctx context.Context, id int64) (*Document, error) {
	var doc Document
	if err := c.getJSON(ctx, fmt.Sprintf("/api/documents/%d/", id), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Download fetches the original document bytes.
func (c *Client) Download(ctx context.Context, id int64) ([]byte, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/api/documents/%d/download/", id), nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read document body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Upload posts a new document to the archive consumption endpoint and
// returns the archive task identifier.
func (c *Client) Upload(ctx context.Context, filename string, data []byte, title string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("document", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write upload body: %w", err)
	}
	if title != "" {
		if err := w.WriteField("title", title); err != nil {
			return "", fmt.Errorf("failed to write title field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize upload form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/documents/post_document/", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	// The endpoint returns the task UUID as a JSON string.
	var taskID string
	if err := json.Unmarshal(body, &taskID); err != nil {
		taskID = strings.Trim(strings.TrimSpace(string(body)), `"`)
	}
	return taskID, nil
}

// Correspondents lists correspondent names ordered by usage, bounded by max.
func (c *Client) Correspondents(ctx context.Context, max int) ([]Correspondent, error) {
	var all []Correspondent
	page := 1
	for len(all) < max {
		params := url.Values{
			"page":      {strconv.Itoa(page)},
			"page_size": {"100"},
			"ordering":  {"-document_count"},
		}
		var result struct {
			Results []Correspondent `json:"results"`
			Next    string          `json:"next"`
		}
		if err := c.getJSON(ctx, "/api/correspondents/", params, &result); err != nil {
			return nil, err
		}
		for _, cor := range result.Results {
			if len(all) >= max {
				break
			}
			all = append(all, cor)
		}
		if result.Next == "" || len(result.Results) == 0 {
			break
		}
		page++
	}
	return all, nil
}

// CreateCorrespondent creates a new correspondent by name.
func (c *Client) CreateCorrespondent(ctx context.Context, name string) (*Correspondent, error) {
	var created Correspondent
	if err := c.postJSON(ctx, "/api/correspondents/", map[string]string{"name": name}, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateDocument patches document metadata.
func (c *Client) UpdateDocument(ctx context.Context, id int64, patch DocumentPatch) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal patch: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPatch, fmt.Sprintf("/api/documents/%d/", id), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("patch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

// EnsureTag returns the tag ID for name, creating the tag when missing.
func (c *Client) EnsureTag(ctx context.Context, name string) (int64, error) {
	params := url.Values{"name__iexact": {name}}
	var result struct {
		Results []Tag `json:"results"`
	}
	if err := c.getJSON(ctx, "/api/tags/", params, &result); err != nil {
		return 0, err
	}
	if len(result.Results) > 0 {
		return result.Results[0].ID, nil
	}

	var created Tag
	if err := c.postJSON(ctx, "/api/tags/", map[string]string{"name": name}, &created); err != nil {
		return 0, err
	}
	return created.ID, nil
}

// AddTag attaches a tag to a document, preserving existing tags.
func (c *Client) AddTag(ctx context.Context, docID int64, tagName string) error {
	tagID, err := c.EnsureTag(ctx, tagName)
	if err != nil {
		return err
	}
	doc, err := c.Document(ctx, docID)
	if err != nil {
		return err
	}
	for _, t := range doc.Tags {
		if t == tagID {
			return nil
		}
	}
	tags := append(doc.Tags, tagID)
	return c.UpdateDocument(ctx, docID, DocumentPatch{Tags: tags})
}

// RemoveTag detaches a tag from a document. Missing tags are a no-op.
func (c *Client) RemoveTag(ctx context.Context, docID int64, tagName string) error {
	tagID, err := c.EnsureTag(ctx, tagName)
	if err != nil {
		return err
	}
	doc, err := c.Document(ctx, docID)
	if err != nil {
		return err
	}
	tags := make([]int64, 0, len(doc.Tags))
	found := false
	for _, t := range doc.Tags {
		if t == tagID {
			found = true
			continue
		}
		tags = append(tags, t)
	}
	if !found {
		return nil
	}
	if len(tags) == 0 {
		// PATCH with an empty array, not a missing field.
		body := []byte(`{"tags":[]}`)
		req, err := c.newRequest(ctx, http.MethodPatch, fmt.Sprintf("/api/documents/%d/", docID), bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("patch request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		return nil
	}
	return c.UpdateDocument(ctx, docID, DocumentPatch{Tags: tags})
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}
