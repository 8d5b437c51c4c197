// Package mem0 is a thin HTTP client for the memory store's
// create/read/search/delete interface. It performs no retries; transient
// store failures are reported to the caller as-is.
package mem0

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

	"github.com/localmem/memproxy/internal/errortypes"
)

// DefaultTimeout bounds every store call.
const DefaultTimeout = 30 * time.Second

// Message is one entry of the conversation payload the store extracts
// memories from.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client talks to a deployed memory store over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a store client for the given base URL. A non-positive
// timeout falls back to DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Add stores text as a memory for the given user.
func (c *Client) Add(ctx context.Context, text, userID string) error {
	payload := map[string]any{
		"messages": []Message{{Role: "user", Content: text}},
		"user_id":  userID,
	}
	_, err := c.post(ctx, "/memories", payload)
	return err
}

// GetAll returns every memory stored for the given user.
func (c *Client) GetAll(ctx context.Context, userID string) ([]string, error) {
	u := c.baseURL + "/memories?" + url.Values{"user_id": {userID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errortypes.TransportError(err, "building store request")
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return flattenResults(body)
}

// Search returns the memories of the given user matching the query.
func (c *Client) Search(ctx context.Context, query, userID string) ([]string, error) {
	payload := map[string]any{"query": query, "user_id": userID}
	body, err := c.post(ctx, "/search", payload)
	if err != nil {
		return nil, err
	}
	return flattenResults(body)
}

// Delete removes a single memory by id.
func (c *Client) Delete(ctx context.Context, memoryID string) error {
	u := c.baseURL + "/memories/" + url.PathEscape(memoryID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return errortypes.TransportError(err, "building store request")
	}
	_, err = c.do(req)
	return err
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errortypes.InternalError(err, "encoding store payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, errortypes.TransportError(err, "building store request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errortypes.TransportError(err, "memory store unreachable").
			WithField("url", req.URL.String())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errortypes.TransportError(err, "reading store response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errortypes.UpstreamError(
			fmt.Errorf("store returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			"memory store request failed").
			WithField("status", resp.StatusCode)
	}
	return body, nil
}

// flattenResults extracts the memory texts from a store response. The store
// returns either {"results": [...]} or the nested {"results": {"results":
// [...]}} shape depending on its output format version; both are handled.
func flattenResults(body []byte) ([]string, error) {
	var envelope struct {
		Results json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errortypes.TransportError(err, "decoding store response")
	}
	if len(envelope.Results) == 0 {
		return nil, nil
	}

	entries, err := resultEntries(envelope.Results)
	if err != nil {
		return nil, err
	}

	memories := make([]string, 0, len(entries))
	for _, entry := range entries {
		var record struct {
			Memory string `json:"memory"`
		}
		if err := json.Unmarshal(entry, &record); err == nil && record.Memory != "" {
			memories = append(memories, record.Memory)
			continue
		}
		// No "memory" field: keep the raw entry so nothing is dropped.
		memories = append(memories, string(entry))
	}
	return memories, nil
}

func resultEntries(results json.RawMessage) ([]json.RawMessage, error) {
	var flat []json.RawMessage
	if err := json.Unmarshal(results, &flat); err == nil {
		return flat, nil
	}

	var nested struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(results, &nested); err != nil {
		return nil, errortypes.TransportError(err, "decoding store results")
	}
	return nested.Results, nil
}
