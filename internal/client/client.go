// Package client is a Go SDK for the coordinator's HTTP API.
//
// It wraps the JSON-over-HTTP surface in typed calls so the CLI (and any
// other Go consumer) never touches request plumbing directly.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"distributed-titledb/internal/coordinator"
)

// ErrNotFound is returned when the coordinator reports a missing title.
var ErrNotFound = errors.New("title not found")

// Client talks to one coordinator instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client.  baseURL example: "http://localhost:8080".
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ─── Titles ───────────────────────────────────────────────────────────────────

// InsertTitle creates a title through the write coordinator.
func (c *Client) InsertTitle(ctx context.Context, t coordinator.Title) (coordinator.WriteResult, error) {
	var out coordinator.WriteResult
	err := c.do(ctx, http.MethodPost, "/titles", t, &out)
	return out, err
}

// UpdateTitle applies a field update.  isolation may be empty for the
// server default.
func (c *Client) UpdateTitle(ctx context.Context, id string, fields map[string]any, isolation string) (coordinator.WriteResult, error) {
	body := map[string]any{"fields": fields}
	if isolation != "" {
		body["isolation"] = isolation
	}
	var out coordinator.WriteResult
	err := c.do(ctx, http.MethodPut, "/titles/"+id, body, &out)
	return out, err
}

// DeleteTitle removes a title from both of its nodes.
func (c *Client) DeleteTitle(ctx context.Context, id string) (coordinator.WriteResult, error) {
	var out coordinator.WriteResult
	err := c.do(ctx, http.MethodDelete, "/titles/"+id, nil, &out)
	return out, err
}

// GetTitle fetches one title row.
func (c *Client) GetTitle(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/titles/"+id, nil, &out)
	return out, err
}

// ListTitles pages the central copy.
func (c *Client) ListTitles(ctx context.Context, page, limit int, kind string) (map[string]any, error) {
	path := fmt.Sprintf("/titles?page=%d&limit=%d", page, limit)
	if kind != "" {
		path += "&kind=" + kind
	}
	var out map[string]any
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ─── Cluster status and recovery ──────────────────────────────────────────────

// NodesHealth returns the per-node health probes.
func (c *Client) NodesHealth(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/nodes/health", nil, &out)
	return out, err
}

// RecoveryStatus returns the pending-replication summary.
func (c *Client) RecoveryStatus(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/recovery/status", nil, &out)
	return out, err
}

// RecoverNode triggers a manual recovery of one node.
func (c *Client) RecoverNode(ctx context.Context, node string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/recovery/"+node, nil, &out)
	return out, err
}

// ─── Harness ──────────────────────────────────────────────────────────────────

// RunTest posts to one of the /test endpoints and returns the raw report.
func (c *Client) RunTest(ctx context.Context, name string, body any) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodPost, "/test/"+name, body, &out)
	return out, err
}

// ─── Plumbing ─────────────────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
