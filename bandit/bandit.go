// Package bandit is the optional exploration client. A small canary slice of
// sessions asks a remote bandit server for the routing decision instead of
// the rule-based router; rewards are posted back after the turn completes.
// Everything here fails open: any error reverts to the rule-based router.
package bandit

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"time"

	"goa.design/clue/log"
)

type (
	// Options configures the client.
	Options struct {
		// BaseURL locates the bandit server. Empty disables exploration.
		BaseURL string
		// Timeout bounds the decide call. Defaults to 40 ms; the decision is
		// on the request's critical path so the budget stays tight.
		Timeout time.Duration
		// CanaryShare is the fraction of sessions that explore. Defaults
		// to 0.05.
		CanaryShare float64
		// HTTPClient overrides the transport, mainly for tests.
		HTTPClient *http.Client
	}

	// Client talks to the bandit server.
	Client struct {
		base  string
		share float64
		http  *http.Client
	}

	// Decision is the bandit's routing choice.
	Decision struct {
		Route  string `json:"route"`
		Tool   string `json:"tool,omitempty"`
		Arm    string `json:"arm"`
		Method string `json:"method"`
	}

	// RewardInput carries the turn outcome the reward blend is computed from.
	RewardInput struct {
		LatencyMS int64
		EnergyWh  float64
		SafetyOK  bool
		SchemaOK  bool
		ToolsOK   bool
	}
)

// MethodErrorFallback marks decisions where the bandit could not answer in
// time and the rule-based router was used instead.
const MethodErrorFallback = "error_fallback"

// Reward blend weights. Opaque tunables; they only need to stay consistent
// between what is optimized and what is reported.
const (
	weightLatency = 0.35
	weightEnergy  = 0.15
	weightSafety  = 0.20
	weightSuccess = 0.30

	latencyBudgetMS = 1500.0
	energyBudgetWh  = 0.01
)

// New constructs the client. An empty BaseURL disables exploration entirely.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 40 * time.Millisecond
	}
	share := opts.CanaryShare
	if share <= 0 {
		share = 0.05
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: timeout}
	}
	return &Client{base: opts.BaseURL, share: share, http: httpc}
}

// Enabled reports whether a bandit server is configured.
func (c *Client) Enabled() bool { return c.base != "" }

// IsCanary deterministically selects the exploring sessions by hashing the
// session ID, so a session stays in or out of the canary for its lifetime.
func (c *Client) IsCanary(sessionID string) bool {
	if c.base == "" || sessionID == "" {
		return false
	}
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return float64(h.Sum32()%10000)/10000.0 < c.share
}

// Decide asks the bandit server for a routing decision. The second return is
// false when the server could not answer within budget; callers then use the
// rule-based router and record MethodErrorFallback.
func (c *Client) Decide(ctx context.Context, sessionID, text string) (Decision, bool) {
	body, err := json.Marshal(map[string]string{"session_id": sessionID, "text": text})
	if err != nil {
		return Decision{Method: MethodErrorFallback}, false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/decide", bytes.NewReader(body))
	if err != nil {
		return Decision{Method: MethodErrorFallback}, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "bandit decide failed"}, log.KV{K: "err", V: err.Error()})
		return Decision{Method: MethodErrorFallback}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Decision{Method: MethodErrorFallback}, false
	}
	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil || decision.Route == "" {
		return Decision{Method: MethodErrorFallback}, false
	}
	if decision.Method == "" {
		decision.Method = "bandit"
	}
	return decision, true
}

// Reward computes the turn reward in [0, 1] as a fixed weighted blend over
// latency, energy, safety and schema/tool success.
func Reward(in RewardInput) float64 {
	latency := 1.0 - float64(in.LatencyMS)/latencyBudgetMS
	if latency < 0 {
		latency = 0
	}
	energy := 1.0 - in.EnergyWh/energyBudgetWh
	if energy < 0 {
		energy = 0
	}
	safety := 0.0
	if in.SafetyOK {
		safety = 1.0
	}
	success := 0.0
	if in.SchemaOK {
		success += 0.5
	}
	if in.ToolsOK {
		success += 0.5
	}
	r := weightLatency*latency + weightEnergy*energy + weightSafety*safety + weightSuccess*success
	if r > 1 {
		r = 1
	}
	return r
}

// PostReward reports the turn outcome for the arm. Best-effort; failures are
// logged at debug level and dropped.
func (c *Client) PostReward(ctx context.Context, sessionID, arm string, reward float64) {
	if c.base == "" {
		return
	}
	body, err := json.Marshal(map[string]any{"session_id": sessionID, "arm": arm, "reward": reward})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/reward", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "bandit reward post failed"}, log.KV{K: "err", V: err.Error()})
		return
	}
	resp.Body.Close()
}
