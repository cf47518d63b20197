package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/DanielWarg/AliceV2-sub000/faults"
	"github.com/DanielWarg/AliceV2-sub000/guardian"
	"github.com/DanielWarg/AliceV2-sub000/memoryapi"
	"github.com/DanielWarg/AliceV2-sub000/router"
	"github.com/DanielWarg/AliceV2-sub000/turnlog"
)

// IngestResponse is the routing preview returned by /ingest and /run.
type IngestResponse struct {
	Accepted           bool   `json:"accepted"`
	Model              string `json:"model"`
	Priority           int    `json:"priority"`
	EstimatedLatencyMS int64  `json:"estimated_latency_ms"`
	Reason             string `json:"reason"`
}

// Handler builds the HTTP surface.
func (o *Orchestrator) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Post("/chat", o.handleChat)
	r.Post("/ingest", o.handleIngest)
	r.Post("/run", o.handleIngest)
	r.Get("/tools", o.handleTools)
	r.Get("/health", o.handleHealth)
	r.Get("/ready", o.handleReady)

	r.Route("/api/memory", func(r chi.Router) {
		r.Post("/store", o.handleMemory(memoryapi.OpStore))
		r.Post("/query", o.handleMemory(memoryapi.OpQuery))
		r.Post("/forget", o.handleMemory(memoryapi.OpForget))
	})
	r.Route("/api/monitoring", func(r chi.Router) {
		r.Get("/health", o.handleMonitoringHealth)
		r.Get("/cache", o.handleMonitoringCache)
		r.Get("/routing", o.handleMonitoringRouting)
		r.Get("/circuit-breakers", o.handleMonitoringBreakers)
		r.Get("/performance", o.handleMonitoringPerformance)
	})
	return r
}

func (o *Orchestrator) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, &apiError{Status: 400, Code: faults.ClassValidation, Message: err.Error()})
		return
	}
	resp, headers, apiErr := o.Chat(r.Context(), req)
	setHeaders(w, headers)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleIngest previews routing without driving a model.
func (o *Orchestrator) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, &apiError{Status: 400, Code: faults.ClassValidation, Message: err.Error()})
		return
	}
	if err := validate(req); err != nil {
		writeError(w, &apiError{Status: 400, Code: faults.ClassValidation, Message: err.Error()})
		return
	}
	admitted, snap := o.opts.Guardian.Admit(r.Context())
	if !admitted {
		writeJSON(w, http.StatusOK, IngestResponse{
			Accepted: false,
			Reason:   fmt.Sprintf("admission denied in state %s", snap.State),
		})
		return
	}
	parsed := o.opts.NLU.Parse(r.Context(), req.Message, req.Lang, req.SessionID)
	hint := &router.Hint{Class: parsed.RouteHint, Confidence: parsed.Confidence}
	quotaExceeded := o.opts.Quota.IsExceeded(router.ClassMicro, o.opts.MicroMaxShare)
	decision := o.opts.Policy.Route(req.Message, forcedClass(req), hint, quotaExceeded)

	writeJSON(w, http.StatusOK, IngestResponse{
		Accepted:           true,
		Model:              o.opts.Models.ModelIDFor(string(decision.Class)),
		Priority:           classPriority(decision.Class),
		EstimatedLatencyMS: classLatencyEstimate(decision.Class),
		Reason:             decision.Reason,
	})
}

// handleTools lists the registry with availability conditional on the oracle
// state: degraded states advertise only the tools safe to run degraded.
func (o *Orchestrator) handleTools(w http.ResponseWriter, r *http.Request) {
	snap := o.opts.Guardian.Current(r.Context())
	degraded := snap.State != guardian.StateNormal

	type toolView struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Available   bool   `json:"available"`
		Fallback    string `json:"fallback,omitempty"`
	}
	specs := o.opts.Tools.List()
	out := make([]toolView, 0, len(specs))
	for _, spec := range specs {
		out = append(out, toolView{
			Name:        spec.Name,
			Description: spec.Description,
			Available:   !degraded || spec.DegradedOK,
			Fallback:    spec.Fallback,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":        out,
		"oracle_state": string(snap.State),
	})
}

func (o *Orchestrator) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(o.started).Seconds()),
	})
}

// handleReady reports readiness: the oracle must answer (or be absent, which
// fails open) and the cache must be reachable.
func (o *Orchestrator) handleReady(w http.ResponseWriter, r *http.Request) {
	snap := o.opts.Guardian.Current(r.Context())
	oracleOK := snap.State != guardian.StateUnreachable && snap.State != guardian.StateError
	cacheOK := o.opts.Cache.Ping(r.Context())

	status := http.StatusOK
	if !oracleOK || !cacheOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":        status == http.StatusOK,
		"oracle_state": string(snap.State),
		"cache":        cacheOK,
	})
}

// handleMemory passes the request body through to the memory service and
// emits a turn event for the operation.
func (o *Orchestrator) handleMemory(op memoryapi.Op) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if o.opts.Memory == nil || !o.opts.Memory.Enabled() {
			writeError(w, &apiError{Status: 503, Code: faults.ClassAdmissionDenied, Message: "memory service not configured"})
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, &apiError{Status: 400, Code: faults.ClassValidation, Message: "unreadable body"})
			return
		}
		began := time.Now()
		raw, err := o.opts.Memory.Do(r.Context(), op, body)
		if err != nil {
			class := faults.ClassOf(err)
			log.Error(r.Context(), err, log.KV{K: "msg", V: "memory pass-through failed"}, log.KV{K: "op", V: string(op)})
			writeError(w, &apiError{Status: 502, Code: class, Message: "memory service call failed"})
			return
		}
		o.emitMemoryTurn(r.Context(), op, time.Since(began))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(raw)
	}
}

func (o *Orchestrator) handleMonitoringHealth(w http.ResponseWriter, r *http.Request) {
	snap := o.opts.Guardian.Current(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"oracle_state":   string(snap.State),
		"ram_pct":        snap.RAMPct,
		"cpu_pct":        snap.CPUPct,
		"uptime_seconds": int64(time.Since(o.started).Seconds()),
	})
}

func (o *Orchestrator) handleMonitoringCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, o.opts.Cache.Stats())
}

func (o *Orchestrator) handleMonitoringRouting(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"routes":      o.routes.snapshot(),
		"quota":       o.opts.Quota.Counts(),
		"micro_share": o.opts.Quota.Share(router.ClassMicro),
	})
}

func (o *Orchestrator) handleMonitoringBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": o.opts.Breakers.Stats()})
}

func (o *Orchestrator) handleMonitoringPerformance(w http.ResponseWriter, _ *http.Request) {
	count, avg, p50, p95 := o.perf.snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"window_size": count,
		"avg_ms":      avg,
		"p50_ms":      p50,
		"p95_ms":      p95,
	})
}

func (o *Orchestrator) emitMemoryTurn(ctx context.Context, op memoryapi.Op, elapsed time.Duration) {
	snap := o.opts.Guardian.Current(ctx)
	event := turnlog.TurnEvent{
		TraceID:     uuid.NewString(),
		Route:       "memory",
		Intent:      "memory." + string(op),
		E2EMSFirst:  elapsed.Milliseconds(),
		E2EMSFull:   elapsed.Milliseconds(),
		EnergyWh:    turnlog.EnergyWh(elapsed, o.opts.EnergyBaseWatts),
		OracleState: string(snap.State),
		Language:    "sv",
		SchemaOK:    true,
	}
	if err := o.opts.Turns.Write(ctx, event); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "memory turn event write failed"})
	}
}

func classPriority(class router.Class) int {
	switch class {
	case router.ClassCache:
		return 1
	case router.ClassMicro:
		return 3
	case router.ClassPlanner:
		return 5
	case router.ClassDeep:
		return 8
	default:
		return 5
	}
}

func classLatencyEstimate(class router.Class) int64 {
	switch class {
	case router.ClassCache:
		return 10
	case router.ClassMicro:
		return 250
	case router.ClassPlanner:
		return 1500
	case router.ClassDeep:
		return 5000
	default:
		return 1500
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(v)
}

func setHeaders(w http.ResponseWriter, h Headers) {
	w.Header().Set("X-Trace-Id", h.TraceID)
	if h.Route != "" {
		w.Header().Set("X-Route", h.Route)
	}
	if h.Intent != "" {
		w.Header().Set("X-Intent", h.Intent)
		w.Header().Set("X-Intent-Confidence", strconv.FormatFloat(h.IntentConfidence, 'f', 2, 64))
	}
	if h.RouteHint != "" {
		w.Header().Set("X-Route-Hint", h.RouteHint)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, e *apiError) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	body := map[string]any{
		"code":    string(e.Code),
		"message": e.Message,
	}
	if e.Details != nil {
		body["details"] = e.Details
	}
	if e.TraceID != "" {
		body["trace_id"] = e.TraceID
	}
	if e.RetryAfter > 0 {
		body["retry_after"] = e.RetryAfter
	}
	writeJSON(w, e.Status, map[string]any{"error": body})
}
