// Package memapi is a minimal HTTP client for the AutoMem memory
// service, covering exactly the surface the health probes need: the
// health document, store, recall, and delete.
package memapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HealthDoc is the parsed /health response.
//
// The service reports liveness in "status" and per-dependency
// connectivity in sibling fields. Fields beyond Status are optional;
// absent dependencies simply yield empty map entries.
type HealthDoc struct {
	// Status is the liveness value; "healthy" or "ok" means live.
	Status string

	// Dependencies maps backing-store names to their reported state,
	// e.g. {"falkordb": "connected", "qdrant": "connected"}.
	Dependencies map[string]string

	// EmbeddingProvider is the active embedding provider string,
	// e.g. "gemini:gemini-embedding-001". Empty if not reported.
	EmbeddingProvider string
}

// Live reports whether the status field indicates liveness.
func (d *HealthDoc) Live() bool {
	switch strings.ToLower(d.Status) {
	case "healthy", "ok":
		return true
	}
	return false
}

// StoreRequest is the payload for storing one memory.
type StoreRequest struct {
	Content    string   `json:"content"`
	Tags       []string `json:"tags,omitempty"`
	Importance float64  `json:"importance,omitempty"`
}

// RecalledMemory is one match returned by recall.
type RecalledMemory struct {
	ID      string
	Content string
}

// RecallResult is the parsed recall response.
type RecallResult struct {
	Count    int
	Memories []RecalledMemory
}

// Client talks to one AutoMem instance.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Client for the service at baseURL.
//
// # Inputs
//
//   - baseURL: Service root, e.g. "http://127.0.0.1:8001". Only http
//     and https schemes are accepted.
//   - token: Bearer token sent on every request ("" disables auth).
//   - timeout: Per-request timeout (0 defaults to 10s).
func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q in base URL", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base URL %q has no host", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// Health fetches and parses the /health document.
func (c *Client) Health(ctx context.Context) (*HealthDoc, error) {
	body, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing health document: %w", err)
	}

	doc := &HealthDoc{Dependencies: make(map[string]string)}
	for key, value := range raw {
		str, ok := value.(string)
		if !ok {
			continue
		}
		switch key {
		case "status":
			doc.Status = str
		case "embedding_provider", "embedding":
			doc.EmbeddingProvider = str
		case "service", "version", "timestamp":
			// Metadata, not a dependency.
		default:
			doc.Dependencies[key] = str
		}
	}
	return doc, nil
}

// Store creates a memory and returns its generated identifier.
func (c *Client) Store(ctx context.Context, req StoreRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding store request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/memory", payload)
	if err != nil {
		return "", err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("parsing store response: %w", err)
	}
	for _, key := range []string{"memory_id", "id"} {
		if id, ok := raw[key].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("store response has no memory id")
}

// Recall queries memories by text and optional tag.
func (c *Client) Recall(ctx context.Context, query, tag string) (*RecallResult, error) {
	params := url.Values{}
	params.Set("query", query)
	if tag != "" {
		params.Set("tags", tag)
	}

	body, err := c.do(ctx, http.MethodGet, "/recall?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Count   int `json:"count"`
		Results []struct {
			ID       string `json:"id"`
			MemoryID string `json:"memory_id"`
			Content  string `json:"content"`
			Memory   struct {
				ID      string `json:"id"`
				Content string `json:"content"`
			} `json:"memory"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing recall response: %w", err)
	}

	result := &RecallResult{Count: raw.Count}
	for _, r := range raw.Results {
		mem := RecalledMemory{ID: r.ID, Content: r.Content}
		if mem.ID == "" {
			mem.ID = r.MemoryID
		}
		if mem.ID == "" {
			mem.ID = r.Memory.ID
		}
		if mem.Content == "" {
			mem.Content = r.Memory.Content
		}
		result.Memories = append(result.Memories, mem)
	}
	if result.Count == 0 {
		result.Count = len(result.Memories)
	}
	return result, nil
}

// Delete removes a memory by identifier.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/memory/"+url.PathEscape(id), nil)
	return err
}

// do performs one request and returns the response body on 2xx.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building %s %s: %w", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, snippet(body))
	}
	return body, nil
}

// snippet trims a response body for error messages.
func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
