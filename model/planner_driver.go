package model

import (
	"context"
	"errors"
	"time"

	"goa.design/clue/log"

	"github.com/DanielWarg/AliceV2-sub000/faults"
	"github.com/DanielWarg/AliceV2-sub000/planner"
)

// plannerSystemPrompt pins the model to JSON-only v4 output. The schema is
// restated inline because the local models do not support response formats.
const plannerSystemPrompt = `Du är Alices planerare. Svara ENDAST med ett JSON-objekt, ingen annan text.
Formatet är:
{"intent": "email"|"calendar"|"weather"|"memory"|"none",
 "tool": "email.create_draft"|"calendar.create_draft"|"weather.lookup"|"memory.query"|"none",
 "args": {...},
 "render_instruction": "chart"|"map"|"scene"|"none",
 "meta": {"version": "4.0", "model_id": "...", "schema_version": "v4"}}`

// fallbackPlannerText is returned when the model cannot produce valid JSON
// after the bounded repair attempts.
const fallbackPlannerText = "Jag kunde tyvärr inte ta fram en plan just nu. Kan du försöka igen?"

// Planner is the reasoning tier: JSON-only output validated against the v4
// schema with one bounded repair pass per response.
type Planner struct {
	runtime *Ollama
	modelID string
}

// NewPlanner constructs the planner driver.
func NewPlanner(runtime *Ollama, modelID string) *Planner {
	return &Planner{runtime: runtime, modelID: modelID}
}

// Route implements Driver.
func (p *Planner) Route() string { return RoutePlanner }

// ModelID implements Driver.
func (p *Planner) ModelID() string { return p.modelID }

// Generate completes the prompt and validates the JSON output. A schema
// failure gets one fresh generation attempt; if that also fails validation
// the driver fails open with a canned text response and schema_ok=false.
func (p *Planner) Generate(ctx context.Context, req Request) (Result, error) {
	began := time.Now()
	res := Result{ModelID: p.modelID, Route: RoutePlanner}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = 0.1
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 512
	}

	var schemaErr error
	for attempt := 0; attempt < 2; attempt++ {
		out, err := p.runtime.generate(ctx, generateRequest{
			Model:  p.modelID,
			Prompt: plannerSystemPrompt + "\n\nAnvändare: " + req.Prompt + "\nJSON:",
			Stream: false,
			Options: map[string]any{
				"temperature": temperature,
				"num_predict": maxTokens,
			},
		})
		if err != nil {
			res.ErrorClass = faults.ClassOf(err)
			return finish(res, began), err
		}
		res.TokensUsed += out.EvalCount + out.PromptEvalCount

		structured, repaired, err := planner.ParseAndValidate(out.Response, p.modelID)
		if err == nil {
			res.SchemaOK = true
			res.RepairUsed = repaired
			res.Text = userFacingText(structured)
			plan := structured.ToPlan(res.Text)
			res.Plan = &plan
			return finish(res, began), nil
		}
		if !errors.Is(err, planner.ErrSchema) {
			res.ErrorClass = faults.ClassOf(err)
			return finish(res, began), err
		}
		schemaErr = err
		log.Warn(ctx, log.KV{K: "msg", V: "planner output failed validation"},
			log.KV{K: "model", V: p.modelID}, log.KV{K: "attempt", V: attempt + 1})
	}

	// Two schema failures: fail open with text only so the caller still gets
	// a 200. The class is recorded for telemetry and the negative cache.
	log.Error(ctx, schemaErr, log.KV{K: "msg", V: "planner schema validation exhausted"})
	res.ErrorClass = faults.ClassSchema
	res.Text = fallbackPlannerText
	return finish(res, began), nil
}

// userFacingText picks a short Swedish acknowledgement per tool. The executor
// output, not this string, carries the substance.
func userFacingText(out planner.Output) string {
	switch out.Tool {
	case "email.create_draft":
		return "Jag har förberett ett e-postutkast åt dig."
	case "calendar.create_draft":
		return "Jag har förberett ett kalenderutkast åt dig."
	case "weather.lookup":
		return "Här är väderprognosen."
	case "memory.query":
		return "Det här hittade jag i dina minnen."
	default:
		return "Klart!"
	}
}
