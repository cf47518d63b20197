// Package memoryapi is the client for the external memory service. The
// orchestrator passes /api/memory requests through verbatim and the
// memory.query tool uses the typed query helper.
package memoryapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/DanielWarg/AliceV2-sub000/faults"
)

// Op names the memory service operations.
type Op string

const (
	OpStore  Op = "store"
	OpQuery  Op = "query"
	OpForget Op = "forget"
	OpStats  Op = "stats"
	OpHealth Op = "health"
)

type (
	// Options configures the client.
	Options struct {
		// BaseURL locates the memory service. Empty disables the client.
		BaseURL string
		// Timeout bounds each call. Defaults to 2 s.
		Timeout time.Duration
		// HTTPClient overrides the transport, mainly for tests.
		HTTPClient *http.Client
	}

	// Client talks to the memory service.
	Client struct {
		base string
		http *http.Client
	}
)

// ErrDisabled is returned when no memory service is configured.
var ErrDisabled = errors.New("memoryapi: no memory service configured")

// New constructs the client. An empty BaseURL yields a disabled client whose
// calls return ErrDisabled; callers treat that as "memory unavailable".
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: timeout}
	}
	return &Client{base: opts.BaseURL, http: httpc}
}

// Enabled reports whether a memory service is configured.
func (c *Client) Enabled() bool { return c.base != "" }

// Do forwards body to the named operation and returns the raw JSON response.
// Used by the /api/memory pass-through handlers.
func (c *Client) Do(ctx context.Context, op Op, body []byte) (json.RawMessage, error) {
	if c.base == "" {
		return nil, ErrDisabled
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+string(op), bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.ClassException, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, faults.Wrap(classify(err), err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, faults.Wrap(faults.ClassException, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, faults.New(faults.FromHTTPStatus(resp.StatusCode),
			fmt.Sprintf("memory service returned %d for %s", resp.StatusCode, op))
	}
	return raw, nil
}

// Query runs a typed memory search for the memory.query tool.
func (c *Client) Query(ctx context.Context, query string, limit int) ([]string, error) {
	body, err := json.Marshal(map[string]any{"query": query, "limit": limit})
	if err != nil {
		return nil, err
	}
	raw, err := c.Do(ctx, OpQuery, body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Results []struct {
			Text string `json:"text"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, faults.Wrap(faults.ClassSchema, err)
	}
	hits := make([]string, 0, len(out.Results))
	for _, r := range out.Results {
		hits = append(hits, r.Text)
	}
	return hits, nil
}

// Healthy reports whether the service answers its health probe.
func (c *Client) Healthy(ctx context.Context) bool {
	if c.base == "" {
		return false
	}
	_, err := c.Do(ctx, OpHealth, nil)
	return err == nil
}

func classify(err error) faults.Class {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return faults.ClassTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.ClassTimeout
	}
	return faults.ClassServer
}
