package model

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/DanielWarg/AliceV2-sub000/faults"
	"github.com/DanielWarg/AliceV2-sub000/planner"
)

// microGrammar constrains the micro model to a single tool-intent token.
// Decoding cannot produce anything outside this set, which is what keeps the
// tier deterministic and fast.
const microGrammar = `root ::= "greeting" | "time" | "weather" | "calendar" | "email" | "memory" | "none"`

// microToken maps a grammar token onto the canonical structured output and
// the user-facing Swedish text for the tier.
type microToken struct {
	intent string
	tool   string
	text   string
}

var microTokens = map[string]microToken{
	"greeting": {intent: "none", tool: "none", text: "Hej! Vad kan jag hjälpa dig med?"},
	"time":     {intent: "none", tool: "none"},
	"weather":  {intent: "weather", tool: "weather.lookup", text: "Jag kollar vädret åt dig."},
	"calendar": {intent: "calendar", tool: "calendar.create_draft", text: "Jag förbereder ett kalenderutkast."},
	"email":    {intent: "email", tool: "email.create_draft", text: "Jag förbereder ett e-postutkast."},
	"memory":   {intent: "memory", tool: "memory.query", text: "Jag söker i dina minnen."},
	"none":     {intent: "none", tool: "none", text: "Jag är inte säker på vad du menar. Kan du formulera om det?"},
}

// Micro is the fast tier: a grammar-constrained single-token completion
// mapped deterministically to a canonical plan.
type Micro struct {
	runtime *Ollama
	modelID string

	// clock is swapped in tests to pin the time answer.
	clock func() time.Time
}

// NewMicro constructs the micro driver.
func NewMicro(runtime *Ollama, modelID string) *Micro {
	return &Micro{runtime: runtime, modelID: modelID, clock: time.Now}
}

// Route implements Driver.
func (m *Micro) Route() string { return RouteMicro }

// ModelID implements Driver.
func (m *Micro) ModelID() string { return m.modelID }

// Generate runs the constrained completion and maps the token to a canonical
// structured output. The mapped JSON goes through the planner validation path
// so args pick up the same tool-specific defaults the planner tier applies.
func (m *Micro) Generate(ctx context.Context, req Request) (Result, error) {
	began := time.Now()
	res := Result{ModelID: m.modelID, Route: RouteMicro}

	out, err := m.runtime.generate(ctx, generateRequest{
		Model:   m.modelID,
		Prompt:  microPrompt(req.Prompt),
		Stream:  false,
		Grammar: microGrammar,
		Options: map[string]any{"temperature": 0.0, "num_predict": 4},
	})
	if err != nil {
		res.ErrorClass = faults.ClassOf(err)
		return finish(res, began), err
	}
	res.TokensUsed = out.EvalCount + out.PromptEvalCount

	token := normalizeToken(out.Response)
	mapped := microTokens[token]
	structured, _, err := planner.ParseAndValidate(microJSON(mapped), m.modelID)
	if err != nil {
		res.ErrorClass = faults.ClassSchema
		return finish(res, began), err
	}
	res.SchemaOK = true
	res.Text = m.renderText(token, mapped)
	plan := structured.ToPlan(res.Text)
	res.Plan = &plan
	return finish(res, began), nil
}

func (m *Micro) renderText(token string, mapped microToken) string {
	if token != "time" {
		return mapped.text
	}
	loc, err := time.LoadLocation("Europe/Stockholm")
	if err != nil {
		loc = time.UTC
	}
	return fmt.Sprintf("Klockan är %s.", m.clock().In(loc).Format("15:04"))
}

func microPrompt(text string) string {
	return "Klassificera användarens meddelande som exakt en av: greeting, time, weather, calendar, email, memory, none.\n\nMeddelande: " + text + "\nSvar:"
}

// normalizeToken is defensive: the grammar guarantees a clean token, but a
// misconfigured runtime without grammar support could echo extra text.
func normalizeToken(raw string) string {
	token := strings.ToLower(strings.TrimSpace(raw))
	if _, ok := microTokens[token]; ok {
		return token
	}
	for candidate := range microTokens {
		if strings.Contains(token, candidate) {
			return candidate
		}
	}
	return "none"
}

func microJSON(mapped microToken) string {
	return fmt.Sprintf(`{"intent":%q,"tool":%q,"args":{},"render_instruction":"none","meta":{}}`, mapped.intent, mapped.tool)
}
