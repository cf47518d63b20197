package tools

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/DanielWarg/AliceV2-sub000/breaker"
	"github.com/DanielWarg/AliceV2-sub000/faults"
	"github.com/DanielWarg/AliceV2-sub000/planner"
)

type (
	// Executor runs plan steps against the registry under the per-step and
	// total budgets, following fallback edges on failure.
	Executor struct {
		registry *Registry
		breakers *breaker.Registry
		cfg      ExecutorConfig

		mu       sync.Mutex
		failures []time.Time
	}

	// ExecutorConfig tunes the execution budgets and the aggregate failure
	// window that suspends fallbacks.
	ExecutorConfig struct {
		// MaxSteps caps the number of plan steps executed. Defaults to 2.
		MaxSteps int
		// TotalTimeout is the whole-plan wall budget. Defaults to 1500 ms.
		TotalTimeout time.Duration
		// ToolTimeout is the per-step budget. Defaults to 400 ms.
		ToolTimeout time.Duration
		// FallbackTimeout is the reduced budget for fallback invocations.
		// Defaults to 300 ms and never exceeds 300 ms.
		FallbackTimeout time.Duration
		// FailureWindow and FailureThreshold suspend fallback edges when
		// aggregate tool failures within the window reach the threshold.
		// Defaults: 30 s, 5 failures.
		FailureWindow    time.Duration
		FailureThreshold int
	}

	// CallRecord is the per-invocation record emitted into turn events.
	// Names are normalized through the registry so unknown tools cannot
	// explode metric cardinality.
	CallRecord struct {
		Tool       string       `json:"normalized_tool_name"`
		OK         bool         `json:"ok"`
		ErrorClass faults.Class `json:"error_class,omitempty"`
		LatencyMS  int64        `json:"latency_ms"`
		Fallback   bool         `json:"fallback,omitempty"`
	}

	// Result is the outcome of executing a plan.
	Result struct {
		Records         []CallRecord
		Outputs         []any
		TimeoutExceeded bool
	}
)

const maxFallbackTimeout = 300 * time.Millisecond

// NewExecutor constructs an executor over the registry. Breakers guard the
// fallback edges, one per tool name.
func NewExecutor(registry *Registry, breakers *breaker.Registry, cfg ExecutorConfig) *Executor {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 2
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = 1500 * time.Millisecond
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 400 * time.Millisecond
	}
	if cfg.FallbackTimeout <= 0 || cfg.FallbackTimeout > maxFallbackTimeout {
		cfg.FallbackTimeout = maxFallbackTimeout
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	return &Executor{registry: registry, breakers: breakers, cfg: cfg}
}

// Execute runs the plan steps in order. Each step gets its own timeout and
// the plan as a whole is bounded by the total budget; on failure the step's
// fallback edge is consulted unless fallbacks are suspended or the fallback
// tool's breaker is open. Execute never returns an error: failures are
// recorded per step and the caller decides how to respond.
func (e *Executor) Execute(ctx context.Context, plan planner.Plan) Result {
	start := time.Now()
	var result Result

	steps := plan.Steps
	if len(steps) > e.cfg.MaxSteps {
		steps = steps[:e.cfg.MaxSteps]
	}
	for _, step := range steps {
		if time.Since(start) >= e.cfg.TotalTimeout {
			result.TimeoutExceeded = true
			break
		}
		record, output := e.runStep(ctx, step, e.remaining(start))
		result.Records = append(result.Records, record)
		if record.OK {
			result.Outputs = append(result.Outputs, output)
			continue
		}
		e.noteFailure()

		spec, known := e.registry.Lookup(step.ToolName)
		if !known || spec.Fallback == "" {
			continue
		}
		if e.fallbacksSuspended() {
			log.Warn(ctx, log.KV{K: "msg", V: "tool fallbacks suspended"}, log.KV{K: "tool", V: step.ToolName})
			continue
		}
		fbRecord, fbOutput := e.runFallback(ctx, spec.Fallback, step, e.remaining(start))
		result.Records = append(result.Records, fbRecord)
		if fbRecord.OK {
			result.Outputs = append(result.Outputs, fbOutput)
		} else {
			e.noteFailure()
		}
	}
	if time.Since(start) >= e.cfg.TotalTimeout {
		result.TimeoutExceeded = true
	}
	return result
}

func (e *Executor) remaining(start time.Time) time.Duration {
	return e.cfg.TotalTimeout - time.Since(start)
}

func (e *Executor) runStep(ctx context.Context, step planner.Step, remaining time.Duration) (CallRecord, any) {
	timeout := e.cfg.ToolTimeout
	if step.TimeoutMS > 0 {
		timeout = time.Duration(step.TimeoutMS) * time.Millisecond
	}
	if timeout > remaining {
		timeout = remaining
	}
	return e.invoke(ctx, step.ToolName, step.Args, timeout, false)
}

// runFallback invokes the fallback tool through its breaker so repeated
// fallback failures trip the edge open instead of piling on a dead tool.
func (e *Executor) runFallback(ctx context.Context, name string, step planner.Step, remaining time.Duration) (CallRecord, any) {
	timeout := e.cfg.FallbackTimeout
	if timeout > remaining {
		timeout = remaining
	}
	b := e.breakers.GetWith("tool:"+name, breaker.Config{CallTimeout: maxFallbackTimeout})
	var (
		record CallRecord
		output any
	)
	err := b.Do(ctx, func(ctx context.Context) error {
		record, output = e.invoke(ctx, name, step.Args, timeout, true)
		if !record.OK {
			return faults.New(record.ErrorClass, "fallback failed")
		}
		return nil
	})
	if errors.Is(err, breaker.ErrOpen) {
		return CallRecord{
			Tool:       e.registry.Normalize(name),
			ErrorClass: faults.ClassCircuitOpen,
			Fallback:   true,
		}, nil
	}
	return record, output
}

// invoke looks up, validates and runs a single tool under its timeout.
func (e *Executor) invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration, fallback bool) (CallRecord, any) {
	record := CallRecord{Tool: e.registry.Normalize(name), Fallback: fallback}
	began := time.Now()
	done := func(class faults.Class, ok bool) CallRecord {
		record.LatencyMS = time.Since(began).Milliseconds()
		record.ErrorClass = class
		record.OK = ok
		return record
	}

	spec, ok := e.registry.Lookup(name)
	if !ok {
		return done(faults.ClassSchema, false), nil
	}
	if err := spec.ValidateArgs(args); err != nil {
		return done(faults.ClassSchema, false), nil
	}
	if timeout <= 0 {
		return done(faults.ClassTimeout, false), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type outcome struct {
		out any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		out, err := spec.Handler(callCtx, args)
		ch <- outcome{out: out, err: err}
	}()
	select {
	case <-callCtx.Done():
		return done(faults.ClassTimeout, false), nil
	case res := <-ch:
		if res.err != nil {
			return done(faults.ClassOf(res.err), false), nil
		}
		return done("", true), res.out
	}
}

func (e *Executor) noteFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-e.cfg.FailureWindow)
	kept := e.failures[:0]
	for _, ts := range e.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.failures = append(kept, now)
}

func (e *Executor) fallbacksSuspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := time.Now().Add(-e.cfg.FailureWindow)
	n := 0
	for _, ts := range e.failures {
		if ts.After(cutoff) {
			n++
		}
	}
	return n >= e.cfg.FailureThreshold
}
