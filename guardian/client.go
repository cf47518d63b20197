// Package guardian polls the system-health oracle and exposes the admission
// and tier hints the orchestrator consumes. The oracle is advisory: every
// error path fails open so a dead oracle never takes the front door down with
// it.
package guardian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/log"
	"golang.org/x/sync/singleflight"

	"github.com/DanielWarg/AliceV2-sub000/router"
)

// State is the oracle's published health state, extended with the error
// surrogates the client synthesizes when polling fails.
type State string

const (
	StateNormal    State = "NORMAL"
	StateBrownout  State = "BROWNOUT"
	StateDegraded  State = "DEGRADED"
	StateEmergency State = "EMERGENCY"
	StateLockdown  State = "LOCKDOWN"

	// Synthesized when the poll itself fails.
	StateTimeout     State = "TIMEOUT"
	StateUnreachable State = "UNREACHABLE"
	StateError       State = "ERROR"
)

type (
	// Snapshot is the cached oracle response plus the poll timestamp.
	Snapshot struct {
		State     State     `json:"state"`
		RAMPct    float64   `json:"ram_pct"`
		CPUPct    float64   `json:"cpu_pct"`
		PolledAt  time.Time `json:"polled_at"`
		PollError string    `json:"poll_error,omitempty"`
	}

	// Client polls GET /health on the oracle and serves a cached snapshot to
	// concurrent callers for the configured TTL. Refreshes are single-flight
	// so a thundering herd costs one poll.
	Client struct {
		base    string
		http    *http.Client
		ttl     time.Duration
		ramHigh float64

		mu       sync.Mutex
		snapshot Snapshot
		group    singleflight.Group
	}

	// Options configures the oracle client.
	Options struct {
		// BaseURL is the oracle endpoint, e.g. "http://127.0.0.1:8787".
		// Empty disables polling entirely; the client then reports NORMAL.
		BaseURL string
		// TTL is the snapshot lifetime. Defaults to 1 second.
		TTL time.Duration
		// Timeout bounds each poll. Defaults to 500 ms.
		Timeout time.Duration
		// RAMHighPct is the memory pressure level above which the client
		// recommends the micro tier even in NORMAL state. Defaults to 85.
		RAMHighPct float64
	}
)

// retryAfter maps each state to the Retry-After seconds surfaced on 503s.
var retryAfter = map[State]int{
	StateNormal:      0,
	StateBrownout:    1,
	StateDegraded:    5,
	StateEmergency:   30,
	StateLockdown:    60,
	StateTimeout:     2,
	StateUnreachable: 10,
	StateError:       5,
}

// New constructs an oracle client. The zero snapshot reports NORMAL so the
// first request is admitted even before the first poll completes.
func New(opts Options) *Client {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	ramHigh := opts.RAMHighPct
	if ramHigh <= 0 {
		ramHigh = 85
	}
	return &Client{
		base:     opts.BaseURL,
		http:     &http.Client{Timeout: timeout},
		ttl:      ttl,
		ramHigh:  ramHigh,
		snapshot: Snapshot{State: StateNormal},
	}
}

// Current returns the cached snapshot, refreshing it when stale. Concurrent
// callers during a refresh share one poll and the rest read the prior value.
func (c *Client) Current(ctx context.Context) Snapshot {
	if c.base == "" {
		return Snapshot{State: StateNormal, PolledAt: time.Now()}
	}
	c.mu.Lock()
	snap := c.snapshot
	fresh := !snap.PolledAt.IsZero() && time.Since(snap.PolledAt) < c.ttl
	c.mu.Unlock()
	if fresh {
		return snap
	}

	v, _, _ := c.group.Do("poll", func() (any, error) {
		s := c.poll(ctx)
		c.mu.Lock()
		c.snapshot = s
		c.mu.Unlock()
		return s, nil
	})
	return v.(Snapshot)
}

func (c *Client) poll(ctx context.Context) Snapshot {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return Snapshot{State: StateError, PolledAt: time.Now(), PollError: err.Error()}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		state := StateUnreachable
		if ctx.Err() == context.DeadlineExceeded || isTimeout(err) {
			state = StateTimeout
		}
		log.Warn(ctx, log.KV{K: "msg", V: "guardian poll failed"}, log.KV{K: "err", V: err.Error()})
		return Snapshot{State: state, PolledAt: time.Now(), PollError: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{
			State:     StateError,
			PolledAt:  time.Now(),
			PollError: fmt.Sprintf("status %d", resp.StatusCode),
		}
	}
	var body struct {
		State  State   `json:"state"`
		RAMPct float64 `json:"ram_pct"`
		CPUPct float64 `json:"cpu_pct"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Snapshot{State: StateError, PolledAt: time.Now(), PollError: err.Error()}
	}
	if _, known := retryAfter[body.State]; !known || body.State == "" {
		body.State = StateError
	}
	return Snapshot{State: body.State, RAMPct: body.RAMPct, CPUPct: body.CPUPct, PolledAt: time.Now()}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Admit reports whether a request may enter the pipeline. Only EMERGENCY and
// LOCKDOWN deny admission; degraded states throttle at the driver level
// instead, and poll failures fail open.
func (c *Client) Admit(ctx context.Context) (bool, Snapshot) {
	snap := c.Current(ctx)
	switch snap.State {
	case StateEmergency, StateLockdown:
		return false, snap
	default:
		return true, snap
	}
}

// RetryAfter returns the Retry-After seconds for state.
func RetryAfter(state State) int {
	if v, ok := retryAfter[state]; ok {
		return v
	}
	return retryAfter[StateError]
}

// RecommendedTier suggests the cheapest tier appropriate for the current
// health state: micro under BROWNOUT or memory pressure, planner under
// DEGRADED, micro otherwise.
func (c *Client) RecommendedTier(ctx context.Context) router.Class {
	snap := c.Current(ctx)
	switch {
	case snap.State == StateBrownout, snap.RAMPct >= c.ramHigh:
		return router.ClassMicro
	case snap.State == StateDegraded:
		return router.ClassPlanner
	default:
		return router.ClassMicro
	}
}

// SuppressDeep reports whether a deep route must be demoted to planner given
// the current snapshot. Any state other than NORMAL suppresses deep.
func SuppressDeep(snap Snapshot) bool {
	return snap.State != StateNormal
}
