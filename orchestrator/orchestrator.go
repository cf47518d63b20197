// Package orchestrator wires the routing policy, oracle admission, cache,
// model tiers and plan executor into the per-request pipeline and exposes it
// over HTTP.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/DanielWarg/AliceV2-sub000/bandit"
	"github.com/DanielWarg/AliceV2-sub000/breaker"
	"github.com/DanielWarg/AliceV2-sub000/cache"
	"github.com/DanielWarg/AliceV2-sub000/faults"
	"github.com/DanielWarg/AliceV2-sub000/guardian"
	"github.com/DanielWarg/AliceV2-sub000/memoryapi"
	"github.com/DanielWarg/AliceV2-sub000/model"
	"github.com/DanielWarg/AliceV2-sub000/nlu"
	"github.com/DanielWarg/AliceV2-sub000/planner"
	"github.com/DanielWarg/AliceV2-sub000/router"
	"github.com/DanielWarg/AliceV2-sub000/tools"
	"github.com/DanielWarg/AliceV2-sub000/turnlog"
)

type (
	// Options wires every pipeline dependency. All components are created at
	// startup and passed in explicitly.
	Options struct {
		Guardian *guardian.Client
		NLU      *nlu.Client
		Policy   *router.Policy
		Quota    *router.Quota
		Cache    *cache.Store
		Models   *model.Manager
		Tools    *tools.Registry
		Executor *tools.Executor
		Breakers *breaker.Registry
		Bandit   *bandit.Client
		Memory   *memoryapi.Client
		Turns    *turnlog.Sink

		// MicroMaxShare caps the micro class share of routing decisions.
		// Defaults to 0.20.
		MicroMaxShare float64
		// SecurityEnforce short-circuits STRICT high-risk requests instead of
		// just flagging them.
		SecurityEnforce bool
		// EnergyBaseWatts is the idle wattage for the advisory energy
		// estimate. Defaults to 12 W.
		EnergyBaseWatts float64
	}

	// Orchestrator runs the request pipeline.
	Orchestrator struct {
		opts    Options
		metrics *metrics
		perf    *perfWindow
		routes  *routeCounters
		started time.Time
	}

	// ChatRequest is the /chat body. Immutable once accepted.
	ChatRequest struct {
		V          string         `json:"v"`
		SessionID  string         `json:"session_id"`
		Message    string         `json:"message"`
		Model      string         `json:"model,omitempty"`
		ForceRoute string         `json:"force_route,omitempty"`
		Lang       string         `json:"lang,omitempty"`
		Timestamp  string         `json:"timestamp,omitempty"`
		Context    map[string]any `json:"context,omitempty"`
	}

	// ChatResponse is the /chat reply.
	ChatResponse struct {
		V         string         `json:"v"`
		SessionID string         `json:"session_id"`
		Response  string         `json:"response"`
		ModelUsed string         `json:"model_used"`
		LatencyMS int64          `json:"latency_ms"`
		TraceID   string         `json:"trace_id"`
		Metadata  map[string]any `json:"metadata"`
	}

	// Headers carries the response headers the pipeline sets.
	Headers struct {
		TraceID          string
		Route            string
		Intent           string
		IntentConfidence float64
		RouteHint        string
	}

	// apiError is a pipeline failure that surfaces as a non-200 response.
	apiError struct {
		Status     int
		Code       faults.Class
		Message    string
		Details    any
		TraceID    string
		RetryAfter int
	}
)

func (e *apiError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// apologyText is the ultimate fallback when every tier failed.
const apologyText = "Tyvärr, något gick fel just nu. Försök gärna igen om en liten stund."

// overloadText is the bilingual admission-denial message.
const overloadText = "Systemet är överbelastat, försök igen senare. / System overloaded, retry later."

// confirmationText asks the user to confirm a high-risk action under STRICT
// security.
const confirmationText = "Den här åtgärden kräver en bekräftelse innan jag kan utföra den. Vill du fortsätta?"

// New constructs the orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Guardian == nil, opts.NLU == nil, opts.Policy == nil, opts.Quota == nil,
		opts.Cache == nil, opts.Models == nil, opts.Tools == nil, opts.Executor == nil,
		opts.Breakers == nil, opts.Turns == nil:
		return nil, errors.New("orchestrator: all core components are required")
	}
	if opts.MicroMaxShare <= 0 {
		opts.MicroMaxShare = 0.20
	}
	if opts.EnergyBaseWatts <= 0 {
		opts.EnergyBaseWatts = 12
	}
	m, err := newMetrics()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		opts:    opts,
		metrics: m,
		perf:    newPerfWindow(512),
		routes:  newRouteCounters(),
		started: time.Now(),
	}, nil
}

// Chat runs the full pipeline for one request.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, Headers, *apiError) {
	began := time.Now()
	traceID := uuid.NewString()
	headers := Headers{TraceID: traceID}
	ctx = log.With(ctx, log.KV{K: "trace_id", V: traceID}, log.KV{K: "session_id", V: req.SessionID})

	if err := validate(req); err != nil {
		return nil, headers, &apiError{Status: 400, Code: faults.ClassValidation, Message: err.Error(), TraceID: traceID}
	}
	lang := req.Lang
	if lang == "" {
		lang = "sv"
	}

	// Security scrub runs before anything else touches the text.
	score := injectionScore(req.Message, contextStrings(req.Context))
	secMode := securityMode(score)
	if secMode == securityModeStrict {
		log.Warn(ctx, log.KV{K: "msg", V: "injection suspicion"}, log.KV{K: "score", V: score})
	}

	// Admission.
	admitted, snap := o.opts.Guardian.Admit(ctx)
	if !admitted {
		o.metrics.denied.Add(ctx, 1)
		return nil, headers, &apiError{
			Status:     503,
			Code:       faults.ClassAdmissionDenied,
			Message:    overloadText,
			TraceID:    traceID,
			RetryAfter: guardian.RetryAfter(snap.State),
		}
	}

	// NLU runs concurrently with quota inspection and bandit consultation;
	// the client bounds itself to its parse budget and always answers.
	nluCh := make(chan nlu.Parse, 1)
	go func() { nluCh <- o.opts.NLU.Parse(ctx, req.Message, lang, req.SessionID) }()

	banditInfo, banditClass := o.consultBandit(ctx, req)
	quotaExceeded := o.opts.Quota.IsExceeded(router.ClassMicro, o.opts.MicroMaxShare)

	parsed := <-nluCh
	headers.Intent = parsed.Intent
	headers.IntentConfidence = parsed.Confidence
	headers.RouteHint = string(parsed.RouteHint)

	// STRICT enforcement short-circuits high-risk intents with a
	// confirmation card instead of executing them.
	if secMode == securityModeStrict && o.opts.SecurityEnforce && highRiskIntents[parsed.Intent] {
		o.metrics.confirmations.Add(ctx, 1)
		headers.Route = "blocked"
		resp := o.respond(req, traceID, confirmationText, "", began, map[string]any{
			"security_mode":         secMode,
			"error_class":           string(faults.ClassSecurityConfirmation),
			"requires_confirmation": true,
			"intent":                parsed.Intent,
		})
		o.emitTurn(ctx, req, traceID, "blocked", parsed, snap, began, resp.Response, turnlog.TurnEvent{
			ErrorClass: faults.ClassSecurityConfirmation,
		}, banditInfo)
		o.postReward(req.SessionID, banditInfo, began, false, false, false)
		return resp, headers, nil
	}

	decision := o.route(req, parsed, quotaExceeded, banditClass, banditInfo)
	o.opts.Quota.Record(decision.Class)

	// Cache lookup with the finalized intent.
	modelID := o.opts.Models.ModelIDFor(string(decision.Class))
	cacheRes := o.opts.Cache.Get(ctx, parsed.Intent, req.Message, modelID, planner.SchemaVersion)
	if cacheRes.Hit {
		o.metrics.cacheHits.Add(ctx, 1)
		o.routes.record("cache")
		headers.Route = "cache"
		text := payloadText(cacheRes.Payload)
		resp := o.respond(req, traceID, text, "cache", began, map[string]any{
			"cache_hit":    true,
			"cache_source": cacheRes.Source,
			"nlu_source":   parsed.Source,
			"route_reason": decision.Reason,
		})
		o.emitTurn(ctx, req, traceID, "cache", parsed, snap, began, text, turnlog.TurnEvent{
			CacheHit:    true,
			CacheSource: cacheRes.Source,
			RouteReason: decision.Reason,
		}, banditInfo)
		o.postReward(req.SessionID, banditInfo, began, secMode == securityModeNormal, true, true)
		return resp, headers, nil
	}

	// Drive the model tier under its breaker with the oracle hints.
	hints := model.Hints{
		SuppressDeep: guardian.SuppressDeep(snap),
		Brownout:     snap.State == guardian.StateBrownout,
	}
	outcome, genErr := o.opts.Models.Generate(ctx, string(decision.Class), model.Request{
		Prompt:    req.Message,
		SessionID: req.SessionID,
		Intent:    parsed.Intent,
	}, hints)

	responseText := outcome.Text
	executed := outcome.Route
	if genErr != nil {
		log.Error(ctx, genErr, log.KV{K: "msg", V: "all tiers failed"})
		responseText = apologyText
		executed = string(decision.Class)
	}
	headers.Route = executed
	o.routes.record(executed)

	// Run the executor for validated plans.
	var execResult tools.Result
	toolsOK := true
	if genErr == nil && outcome.Plan != nil && len(outcome.Plan.Steps) > 0 {
		execResult = o.opts.Executor.Execute(ctx, *outcome.Plan)
		for _, rec := range execResult.Records {
			if !rec.OK {
				toolsOK = false
			}
		}
		if len(execResult.Outputs) > 0 {
			responseText = enrichResponse(responseText, execResult.Outputs)
		}
	}

	// Cache write: success feeds the positive tiers, failure the negative.
	if genErr == nil && outcome.SchemaOK {
		payload, _ := json.Marshal(map[string]string{"text": responseText})
		o.opts.Cache.Set(ctx, parsed.Intent, req.Message, string(payload), outcome.ModelID, planner.SchemaVersion, 0)
	} else {
		o.opts.Cache.SetNegative(ctx, req.Message, parsed.Intent, 0)
	}

	metadata := map[string]any{
		"cache_hit":           false,
		"nlu_source":          parsed.Source,
		"route_reason":        decision.Reason,
		"schema_ok":           outcome.SchemaOK,
		"fallback_used":       outcome.FallbackUsed,
		"blocked_by_guardian": outcome.BlockedByGuardian,
		"security_mode":       secMode,
	}
	if outcome.RepairUsed {
		metadata["repair_used"] = true
	}
	if outcome.ErrorClass != "" {
		metadata["error_class"] = string(outcome.ErrorClass)
	}
	resp := o.respond(req, traceID, responseText, outcome.ModelID, began, metadata)

	o.emitTurn(ctx, req, traceID, executed, parsed, snap, began, responseText, turnlog.TurnEvent{
		ToolCalls:         execResult.Records,
		ModelID:           outcome.ModelID,
		RouteReason:       decision.Reason,
		SchemaOK:          outcome.SchemaOK,
		RepairUsed:        outcome.RepairUsed,
		FallbackUsed:      outcome.FallbackUsed,
		BlockedByGuardian: outcome.BlockedByGuardian,
		ErrorClass:        outcome.ErrorClass,
	}, banditInfo)

	o.postReward(req.SessionID, banditInfo, began, secMode == securityModeNormal, outcome.SchemaOK, toolsOK)
	return resp, headers, nil
}

// route combines the bandit decision, forced route, NLU hint and quota state
// into the final class.
func (o *Orchestrator) route(req ChatRequest, parsed nlu.Parse, quotaExceeded bool, banditClass router.Class, banditInfo *turnlog.BanditInfo) router.Decision {
	if banditClass != "" {
		return router.Decision{
			Class:      banditClass,
			Confidence: 1,
			Reason:     "bandit arm " + banditInfo.Arm,
		}
	}
	forced := forcedClass(req)
	hint := &router.Hint{Class: parsed.RouteHint, Confidence: parsed.Confidence}
	if parsed.RouteHint == "" {
		hint = nil
	}
	return o.opts.Policy.Route(req.Message, forced, hint, quotaExceeded)
}

// consultBandit returns exploration info for canary sessions plus the route
// the bandit picked. An empty class means "use the rule-based router", either
// because the session is not a canary or because the bandit failed in budget.
func (o *Orchestrator) consultBandit(ctx context.Context, req ChatRequest) (*turnlog.BanditInfo, router.Class) {
	b := o.opts.Bandit
	if b == nil || !b.Enabled() || !b.IsCanary(req.SessionID) {
		return nil, ""
	}
	decision, ok := b.Decide(ctx, req.SessionID, req.Message)
	if !ok {
		return &turnlog.BanditInfo{Canary: true, Method: bandit.MethodErrorFallback}, ""
	}
	return &turnlog.BanditInfo{Canary: true, Method: decision.Method, Arm: decision.Arm}, router.Class(decision.Route)
}

func (o *Orchestrator) postReward(sessionID string, info *turnlog.BanditInfo, began time.Time, safetyOK, schemaOK, toolsOK bool) {
	if info == nil || o.opts.Bandit == nil {
		return
	}
	elapsed := time.Since(began)
	reward := bandit.Reward(bandit.RewardInput{
		LatencyMS: elapsed.Milliseconds(),
		EnergyWh:  turnlog.EnergyWh(elapsed, o.opts.EnergyBaseWatts),
		SafetyOK:  safetyOK,
		SchemaOK:  schemaOK,
		ToolsOK:   toolsOK,
	})
	info.Reward = reward
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		o.opts.Bandit.PostReward(ctx, sessionID, info.Arm, reward)
	}()
}

func (o *Orchestrator) respond(req ChatRequest, traceID, text, modelUsed string, began time.Time, metadata map[string]any) *ChatResponse {
	return &ChatResponse{
		V:         "1",
		SessionID: req.SessionID,
		Response:  text,
		ModelUsed: modelUsed,
		LatencyMS: time.Since(began).Milliseconds(),
		TraceID:   traceID,
		Metadata:  metadata,
	}
}

// emitTurn fills the shared fields of the turn event and writes it. The
// partial carries the step-specific fields the caller already knows.
func (o *Orchestrator) emitTurn(ctx context.Context, req ChatRequest, traceID, route string, parsed nlu.Parse, snap guardian.Snapshot, began time.Time, output string, partial turnlog.TurnEvent, banditInfo *turnlog.BanditInfo) {
	elapsed := time.Since(began)
	o.perf.record(elapsed)
	o.metrics.requests.Add(ctx, 1)
	o.metrics.latency.Record(ctx, float64(elapsed.Milliseconds()))

	maskedIn, piiIn := maskPII(req.Message)
	maskedOut, piiOut := maskPII(output)

	event := partial
	event.TraceID = traceID
	event.SessionID = req.SessionID
	event.Route = route
	event.E2EMSFirst = elapsed.Milliseconds()
	event.E2EMSFull = elapsed.Milliseconds()
	event.RAMPeakMB = ramPeakMB()
	event.EnergyWh = turnlog.EnergyWh(elapsed, o.opts.EnergyBaseWatts)
	event.OracleState = string(snap.State)
	event.PIIMasked = piiIn || piiOut
	event.InputText = maskedIn
	event.OutputText = maskedOut
	event.Language = req.Lang
	if event.Language == "" {
		event.Language = "sv"
	}
	event.Intent = parsed.Intent
	event.NLUSource = parsed.Source
	event.Bandit = banditInfo

	if err := o.opts.Turns.Write(ctx, event); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "turn event write failed"})
	}
}

func validate(req ChatRequest) error {
	if strings.TrimSpace(req.SessionID) == "" {
		return errors.New("session_id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return errors.New("message is required")
	}
	if req.V != "" && req.V != "1" {
		return fmt.Errorf("unsupported version %q", req.V)
	}
	switch req.Model {
	case "", "auto", "micro", "planner", "deep":
	default:
		return fmt.Errorf("unknown model %q", req.Model)
	}
	return nil
}

// forcedClass resolves an explicit route from either the force_route field or
// a non-auto model selection.
func forcedClass(req ChatRequest) router.Class {
	if req.ForceRoute != "" {
		return router.Class(req.ForceRoute)
	}
	if req.Model != "" && req.Model != "auto" {
		return router.Class(req.Model)
	}
	return ""
}

// payloadText extracts the user-visible string from a cached payload. Cached
// payloads are JSON objects with a text or render field; anything else is
// served verbatim.
func payloadText(payload string) string {
	var body map[string]any
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return payload
	}
	for _, key := range []string{"text", "render", "response"} {
		if s, ok := body[key].(string); ok && s != "" {
			return s
		}
	}
	return payload
}

// enrichResponse appends a compact rendering of tool outputs to the model's
// acknowledgement.
func enrichResponse(text string, outputs []any) string {
	parts := []string{text}
	for _, out := range outputs {
		if m, ok := out.(map[string]any); ok {
			if s, ok := m["forecast"].(string); ok && s != "" {
				parts = append(parts, s)
				continue
			}
		}
	}
	return strings.Join(parts, " ")
}

func ramPeakMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapInuse) / (1 << 20)
}
