// Package sandbox is the client for the execution-sandbox collaborator
// (§6). The sandbox itself — the isolation technology, language runtimes,
// resource limits — is out of scope; this package only owns the
// POST /execute wire contract the execution worker (C8) needs.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/quantloft/orcad/internal/errkind"
)

// DefaultTimeout bounds the HTTP round trip itself; the sandbox's own
// execution timeout travels in the request body as TimeoutSeconds and is
// enforced by the sandbox, not by this client.
const DefaultTimeout = 5 * time.Second

// ExecuteRequest is the body posted to the sandbox (§6).
type ExecuteRequest struct {
	Script         string         `json:"script"`
	Parameters     map[string]any `json:"parameters"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// ExecuteResult is the sandbox's response (§6).
type ExecuteResult struct {
	Success       bool           `json:"success"`
	Data          map[string]any `json:"data,omitempty"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime float64        `json:"execution_time,omitempty"`
}

// Sandbox is the narrow contract the execution worker needs. Defined as an
// interface so C8 can depend on it without caring whether the backing
// implementation is the HTTP Client below or a fake in tests.
type Sandbox interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// Client is a thin HTTP client for the collaborator's single endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// New builds a Client against the given base URL.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{baseURL: cfg.BaseURL, http: &http.Client{Timeout: timeout}}
}

// Execute posts req to the sandbox's /execute endpoint and returns its
// structured result. A non-2xx HTTP status is itself treated as a
// transient transport failure (distinct from ExecuteResult.Success=false,
// which is the sandbox's own report that the script failed).
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sandbox: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		kind := errkind.Transient
		if errors.Is(err, context.DeadlineExceeded) {
			kind = errkind.Timeout
		}
		return nil, errkind.Wrap(kind, fmt.Errorf("sandbox: execute request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, errkind.Wrap(errkind.Transient, fmt.Errorf("sandbox: execute status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, errkind.Wrap(errkind.Validation, fmt.Errorf("sandbox: execute status %d", resp.StatusCode))
	}

	var out ExecuteResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errkind.Wrap(errkind.Validation, fmt.Errorf("sandbox: decode response: %w", err))
	}
	return &out, nil
}
