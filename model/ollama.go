package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/DanielWarg/AliceV2-sub000/faults"
)

type (
	// OllamaOptions configures the shared model-runtime client.
	OllamaOptions struct {
		// BaseURL locates the runtime, e.g. "http://127.0.0.1:11434".
		BaseURL string
		// Timeout bounds each generate call. Defaults to 10 s.
		Timeout time.Duration
		// KeepAlive is forwarded verbatim so the runtime keeps the model
		// resident between calls, e.g. "10m". Empty uses the runtime default.
		KeepAlive string
		// HTTPClient overrides the transport, mainly for tests.
		HTTPClient *http.Client
	}

	// Ollama is a thin client for the local model runtime's generate API.
	// Drivers share one instance per process.
	Ollama struct {
		base      string
		keepAlive string
		http      *http.Client
	}

	generateRequest struct {
		Model     string         `json:"model"`
		Prompt    string         `json:"prompt"`
		Stream    bool           `json:"stream"`
		Options   map[string]any `json:"options,omitempty"`
		Grammar   string         `json:"grammar,omitempty"`
		KeepAlive string         `json:"keep_alive,omitempty"`
	}

	generateResponse struct {
		Response        string `json:"response"`
		EvalCount       int    `json:"eval_count"`
		PromptEvalCount int    `json:"prompt_eval_count"`
	}
)

// NewOllama constructs the runtime client.
func NewOllama(opts OllamaOptions) (*Ollama, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("model: ollama base URL is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: timeout}
	}
	return &Ollama{base: opts.BaseURL, keepAlive: opts.KeepAlive, http: httpc}, nil
}

// generate posts a single non-streaming completion. Failures come back as
// classified faults errors so drivers propagate the class unchanged.
func (o *Ollama) generate(ctx context.Context, req generateRequest) (generateResponse, error) {
	if req.KeepAlive == "" {
		req.KeepAlive = o.keepAlive
	}
	body, err := json.Marshal(req)
	if err != nil {
		return generateResponse{}, faults.Wrap(faults.ClassException, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.base+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return generateResponse{}, faults.Wrap(faults.ClassException, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(httpReq)
	if err != nil {
		return generateResponse{}, faults.Wrap(classifyTransport(err), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return generateResponse{}, faults.New(faults.FromHTTPStatus(resp.StatusCode),
			fmt.Sprintf("model runtime returned %d for %s", resp.StatusCode, req.Model))
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return generateResponse{}, faults.Wrap(faults.ClassException, err)
	}
	return out, nil
}

// release asks the runtime to unload the model immediately.
func (o *Ollama) release(ctx context.Context, modelID string) error {
	_, err := o.generate(ctx, generateRequest{Model: modelID, KeepAlive: "0"})
	return err
}

func classifyTransport(err error) faults.Class {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return faults.ClassTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.ClassTimeout
	}
	return faults.ClassServer
}
