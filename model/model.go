// Package model implements the tiered generation drivers: the
// grammar-constrained micro tier, the JSON planner tier, the long-form deep
// tier and the optional cloud planner. A Manager composes them with the
// circuit breakers and the tier fallback order so callers always get the
// cheapest answer that can still be correct.
package model

import (
	"context"
	"time"

	"github.com/DanielWarg/AliceV2-sub000/faults"
	"github.com/DanielWarg/AliceV2-sub000/planner"
)

type (
	// Request carries a prompt to a driver together with routing context.
	Request struct {
		// Prompt is the user text, already security-scrubbed.
		Prompt string
		// SessionID identifies the conversation for logging.
		SessionID string
		// Intent is the NLU intent label, used by the micro tier to bias
		// grammar mapping.
		Intent string
		// Temperature overrides the driver default when non-zero.
		Temperature float64
		// MaxTokens bounds the completion length when non-zero.
		MaxTokens int
	}

	// Result is the uniform driver outcome. Every driver fills the same
	// shape so the pipeline and the turn log treat tiers identically.
	Result struct {
		Text         string       `json:"text"`
		ModelID      string       `json:"model_id"`
		Route        string       `json:"route"`
		TokensUsed   int          `json:"tokens_used"`
		LatencyMS    int64        `json:"latency_ms"`
		SchemaOK     bool         `json:"schema_ok"`
		FallbackUsed bool         `json:"fallback_used"`
		RepairUsed   bool         `json:"repair_used,omitempty"`
		ErrorClass   faults.Class `json:"error_class,omitempty"`

		// Plan is set by the planner tiers when the output validated.
		Plan *planner.Plan `json:"-"`
	}

	// Driver is the uniform generation contract shared by all tiers.
	Driver interface {
		// Generate produces a result for the request. Drivers classify their
		// own failures; a non-nil error always carries a faults class.
		Generate(ctx context.Context, req Request) (Result, error)
		// Route names the tier the driver serves.
		Route() string
		// ModelID names the underlying model.
		ModelID() string
	}
)

// Route names. They match the router classes so decisions map one-to-one
// onto drivers.
const (
	RouteMicro   = "micro"
	RoutePlanner = "planner"
	RouteDeep    = "deep"
)

func finish(res Result, began time.Time) Result {
	res.LatencyMS = time.Since(began).Milliseconds()
	return res
}
