package model

import (
	"context"
	"errors"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/DanielWarg/AliceV2-sub000/breaker"
	"github.com/DanielWarg/AliceV2-sub000/faults"
)

type (
	// ManagerOptions wires the tier drivers to the circuit breakers.
	ManagerOptions struct {
		Micro   Driver
		Planner Driver
		Deep    Driver
		// Cloud is the optional hosted planner. Nil disables escalation.
		Cloud Driver
		// Breakers guard each tier under the names "<route>_service".
		Breakers *breaker.Registry
		// PlannerTimeout bounds planner-tier calls. Defaults to 10 s.
		PlannerTimeout time.Duration
		// DeepTimeout bounds deep-tier calls. Defaults to 30 s.
		DeepTimeout time.Duration
		// BrownoutRate throttles non-micro tiers while the oracle reports
		// BROWNOUT. Defaults to 2 calls/s with a burst of 2.
		BrownoutRate rate.Limit
	}

	// Manager owns the tier drivers and applies the fallback order: deep
	// demotes to planner under oracle suppression, any tier falls back to
	// micro on failure or an open breaker.
	Manager struct {
		micro    Driver
		planner  Driver
		deep     Driver
		cloud    Driver
		breakers *breaker.Registry
		brownout *rate.Limiter

		plannerTimeout time.Duration
		deepTimeout    time.Duration
	}

	// Hints carries the per-request oracle signals into tier selection.
	Hints struct {
		// SuppressDeep demotes deep-class requests to the planner tier.
		SuppressDeep bool
		// Brownout throttles non-micro tiers through the shared limiter.
		Brownout bool
	}

	// Outcome is a driver result plus the manager-level demotion flags.
	Outcome struct {
		Result
		// BlockedByGuardian marks an oracle-driven deep demotion as opposed
		// to a failure fallback.
		BlockedByGuardian bool
	}
)

// ErrNoDriver is returned when every tier in the fallback chain failed.
var ErrNoDriver = errors.New("model: all tiers failed")

// NewManager wires the drivers together.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Micro == nil || opts.Planner == nil || opts.Deep == nil {
		return nil, errors.New("model: micro, planner and deep drivers are required")
	}
	if opts.Breakers == nil {
		return nil, errors.New("model: breaker registry is required")
	}
	if opts.PlannerTimeout <= 0 {
		opts.PlannerTimeout = 10 * time.Second
	}
	if opts.DeepTimeout <= 0 {
		opts.DeepTimeout = 30 * time.Second
	}
	limit := opts.BrownoutRate
	if limit <= 0 {
		limit = rate.Limit(2)
	}
	return &Manager{
		micro:          opts.Micro,
		planner:        opts.Planner,
		deep:           opts.Deep,
		cloud:          opts.Cloud,
		breakers:       opts.Breakers,
		brownout:       rate.NewLimiter(limit, 2),
		plannerTimeout: opts.PlannerTimeout,
		deepTimeout:    opts.DeepTimeout,
	}, nil
}

// Generate serves a request on the given route class, walking the fallback
// chain until a tier answers. The returned outcome's Route names the tier
// that actually produced the result. An error means even the micro tier
// failed and the caller must use the canned apology.
func (m *Manager) Generate(ctx context.Context, class string, req Request, hints Hints) (Outcome, error) {
	var out Outcome

	if class == RouteDeep && hints.SuppressDeep {
		class = RoutePlanner
		out.BlockedByGuardian = true
	}
	if class != RouteMicro && hints.Brownout && !m.brownout.Allow() {
		log.Info(ctx, log.KV{K: "msg", V: "brownout throttle demoted request"},
			log.KV{K: "from", V: class})
		class = RouteMicro
	}

	for _, tier := range m.chain(class, req.Prompt) {
		res, err := m.callTier(ctx, tier, req)
		if err == nil {
			res.FallbackUsed = out.FallbackUsed
			out.Result = res
			return out, nil
		}
		log.Warn(ctx, log.KV{K: "msg", V: "tier failed, falling back"},
			log.KV{K: "tier", V: tier.Route()},
			log.KV{K: "model", V: tier.ModelID()},
			log.KV{K: "class", V: string(faults.ClassOf(err))})
		out.FallbackUsed = true
		out.Result = res
	}
	if out.Result.ErrorClass == "" {
		out.Result.ErrorClass = faults.ClassException
	}
	return out, ErrNoDriver
}

// ModelIDFor names the model that would serve the class, used for cache key
// derivation before any driver is invoked.
func (m *Manager) ModelIDFor(class string) string {
	switch class {
	case RouteDeep:
		return m.deep.ModelID()
	case RoutePlanner:
		return m.planner.ModelID()
	default:
		return m.micro.ModelID()
	}
}

// chain builds the fallback order for the class: cheaper tiers follow the
// requested one, and hard planner prompts try the cloud tier first.
func (m *Manager) chain(class, prompt string) []Driver {
	switch class {
	case RouteDeep:
		return []Driver{m.deep, m.planner, m.micro}
	case RoutePlanner:
		if m.cloud != nil && IsHard(prompt) {
			return []Driver{m.cloud, m.planner, m.micro}
		}
		return []Driver{m.planner, m.micro}
	default:
		return []Driver{m.micro}
	}
}

func (m *Manager) callTier(ctx context.Context, d Driver, req Request) (Result, error) {
	name := d.Route() + "_service"
	if d == m.cloud {
		name = "cloud_service"
	}
	timeout := m.plannerTimeout
	if d.Route() == RouteDeep {
		timeout = m.deepTimeout
	}
	b := m.breakers.GetWith(name, breaker.Config{CallTimeout: timeout})

	var res Result
	err := b.Do(ctx, func(ctx context.Context) error {
		r, genErr := d.Generate(ctx, req)
		res = r
		return genErr
	})
	if errors.Is(err, breaker.ErrOpen) {
		res = Result{ModelID: d.ModelID(), Route: d.Route(), ErrorClass: faults.ClassCircuitOpen}
		return res, faults.Wrap(faults.ClassCircuitOpen, err)
	}
	if err != nil && res.ErrorClass == "" {
		res.ErrorClass = faults.ClassOf(err)
	}
	return res, err
}
