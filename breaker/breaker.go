// Package breaker wraps sony/gobreaker with the per-dependency semantics the
// orchestrator relies on: named process-wide breakers, a per-call timeout that
// counts as a failure, and a stable rejection error callers can branch on.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

type (
	// Config tunes a single breaker. Zero values fall back to the defaults
	// below, which match the protection profile of the local model services.
	Config struct {
		// FailureThreshold is the number of consecutive failures in the closed
		// state that trips the breaker open.
		FailureThreshold int
		// RecoveryTimeout is how long the breaker stays open before permitting
		// a half-open trial call.
		RecoveryTimeout time.Duration
		// SuccessThreshold is the number of consecutive half-open successes
		// required to close the breaker again.
		SuccessThreshold int
		// CallTimeout bounds each guarded call. Timeouts count as failures.
		CallTimeout time.Duration
	}

	// Breaker guards calls to a single named dependency.
	Breaker struct {
		name string
		cb   *gobreaker.CircuitBreaker
		cfg  Config
	}

	// Registry hands out process-wide breakers by dependency name. The same
	// name always yields the same breaker so failure counts aggregate across
	// call sites.
	Registry struct {
		mu       sync.Mutex
		breakers map[string]*Breaker
		defaults Config
	}

	// Stats is a snapshot of a breaker's counters for monitoring endpoints.
	Stats struct {
		Name                 string    `json:"name"`
		State                string    `json:"state"`
		Requests             uint32    `json:"requests"`
		TotalSuccesses       uint32    `json:"total_successes"`
		TotalFailures        uint32    `json:"total_failures"`
		ConsecutiveFailures  uint32    `json:"consecutive_failures"`
		ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
		LastStateChange      time.Time `json:"last_state_change,omitempty"`
	}
)

// ErrOpen is returned when the breaker rejects a call without invoking the
// dependency. Callers use it to trigger the cheaper-tier fallback.
var ErrOpen = errors.New("breaker: circuit open")

// DefaultConfig mirrors the protection profile used for the model services:
// two strikes, five seconds of cool-down, one successful trial to close.
var DefaultConfig = Config{
	FailureThreshold: 2,
	RecoveryTimeout:  5 * time.Second,
	SuccessThreshold: 1,
	CallTimeout:      10 * time.Second,
}

// New constructs a named breaker with the given config.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig.RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	threshold := uint32(cfg.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	return &Breaker{name: name, cb: cb, cfg: cfg}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Do runs fn under the breaker with the configured call timeout. The context
// handed to fn is cancelled when the timeout elapses and the elapsed call is
// recorded as a failure. Rejections surface as ErrOpen.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- fn(callCtx) }()
		select {
		case err := <-done:
			return nil, err
		case <-callCtx.Done():
			return nil, callCtx.Err()
		}
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State reports the current breaker state as one of "closed", "open" or
// "half_open".
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Stats returns a counter snapshot for observability.
func (b *Breaker) Stats() Stats {
	counts := b.cb.Counts()
	return Stats{
		Name:                 b.name,
		State:                b.State(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}

// NewRegistry constructs a Registry whose Get calls apply defaults for fields
// left at zero.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker for name, creating it with the registry defaults on
// first use.
func (r *Registry) Get(name string) *Breaker {
	return r.GetWith(name, r.defaults)
}

// GetWith returns the breaker for name, creating it with cfg on first use.
// The config of an existing breaker is never changed.
func (r *Registry) GetWith(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, cfg)
	r.breakers[name] = b
	return b
}

// Stats returns snapshots for every breaker created so far.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	return out
}
