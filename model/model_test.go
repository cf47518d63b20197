package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielWarg/AliceV2-sub000/faults"
)

// stubRuntime fakes the model runtime's generate endpoint. The handler
// receives the decoded request and returns the raw completion text.
func stubRuntime(t *testing.T, handler func(req generateRequest) (string, int)) *Ollama {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		text, status := handler(req)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp := generateResponse{Response: text, EvalCount: 7, PromptEvalCount: 3}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	rt, err := NewOllama(OllamaOptions{BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	return rt
}

func TestOllamaErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		class  faults.Class
	}{
		{http.StatusTooManyRequests, faults.ClassRateLimit},
		{http.StatusInternalServerError, faults.ClassServer},
		{http.StatusNotFound, faults.ClassOther},
	}
	for _, tc := range cases {
		rt := stubRuntime(t, func(generateRequest) (string, int) { return "", tc.status })
		_, err := rt.generate(context.Background(), generateRequest{Model: "m"})
		require.Error(t, err)
		assert.Equal(t, tc.class, faults.ClassOf(err))
	}
}

func TestMicroGenerateMapsToken(t *testing.T) {
	rt := stubRuntime(t, func(req generateRequest) (string, int) {
		assert.Equal(t, microGrammar, req.Grammar)
		return "calendar", http.StatusOK
	})
	m := NewMicro(rt, "micro-1")

	res, err := m.Generate(context.Background(), Request{Prompt: "boka möte imorgon"})
	require.NoError(t, err)
	assert.True(t, res.SchemaOK)
	assert.Equal(t, RouteMicro, res.Route)
	assert.Equal(t, "micro-1", res.ModelID)
	assert.Equal(t, 10, res.TokensUsed)
	require.NotNil(t, res.Plan)
	require.Len(t, res.Plan.Steps, 1)
	assert.Equal(t, "calendar.create_draft", res.Plan.Steps[0].ToolName)
	assert.Equal(t, "Europe/Stockholm", res.Plan.Steps[0].Args["timezone"])
}

func TestMicroTimeAnswer(t *testing.T) {
	rt := stubRuntime(t, func(generateRequest) (string, int) { return "time", http.StatusOK })
	m := NewMicro(rt, "micro-1")
	loc, err := time.LoadLocation("Europe/Stockholm")
	require.NoError(t, err)
	m.clock = func() time.Time { return time.Date(2026, 1, 5, 9, 7, 0, 0, loc) }

	res, err := m.Generate(context.Background(), Request{Prompt: "vad är klockan?"})
	require.NoError(t, err)
	assert.Equal(t, "Klockan är 09:07.", res.Text)
	require.NotNil(t, res.Plan)
	assert.Empty(t, res.Plan.Steps)
}

func TestMicroUnknownTokenFallsToNone(t *testing.T) {
	rt := stubRuntime(t, func(generateRequest) (string, int) { return "banana", http.StatusOK })
	m := NewMicro(rt, "micro-1")

	res, err := m.Generate(context.Background(), Request{Prompt: "???"})
	require.NoError(t, err)
	require.NotNil(t, res.Plan)
	assert.Empty(t, res.Plan.Steps)
	assert.Contains(t, res.Text, "inte säker")
}

func TestPlannerGenerateValidJSON(t *testing.T) {
	rt := stubRuntime(t, func(generateRequest) (string, int) {
		return `{"intent":"weather","tool":"weather.lookup","args":{"location":"Malmö"},"render_instruction":"none","meta":{}}`, http.StatusOK
	})
	p := NewPlanner(rt, "planner-1")

	res, err := p.Generate(context.Background(), Request{Prompt: "blir det regn i Malmö?"})
	require.NoError(t, err)
	assert.True(t, res.SchemaOK)
	require.NotNil(t, res.Plan)
	require.Len(t, res.Plan.Steps, 1)
	assert.Equal(t, "weather.lookup", res.Plan.Steps[0].ToolName)
	assert.Equal(t, "Malmö", res.Plan.Steps[0].Args["location"])
}

func TestPlannerSchemaExhaustionFailsOpen(t *testing.T) {
	var calls atomic.Int32
	rt := stubRuntime(t, func(generateRequest) (string, int) {
		calls.Add(1)
		return "not json at all, sorry", http.StatusOK
	})
	p := NewPlanner(rt, "planner-1")

	res, err := p.Generate(context.Background(), Request{Prompt: "planera min dag"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, res.SchemaOK)
	assert.Equal(t, faults.ClassSchema, res.ErrorClass)
	assert.Equal(t, fallbackPlannerText, res.Text)
	assert.Nil(t, res.Plan)
}

func TestPlannerRepairedOutput(t *testing.T) {
	rt := stubRuntime(t, func(generateRequest) (string, int) {
		return `{"intent":"calendar","tool":"create_calendar_draft","args":{},"render_instruction":"<enum>","meta":{}}`, http.StatusOK
	})
	p := NewPlanner(rt, "planner-1")

	res, err := p.Generate(context.Background(), Request{Prompt: "boka möte"})
	require.NoError(t, err)
	assert.True(t, res.SchemaOK)
	assert.True(t, res.RepairUsed)
	require.NotNil(t, res.Plan)
	assert.Equal(t, "calendar.create_draft", res.Plan.Steps[0].ToolName)
}

func TestDeepReleaseAfterIdle(t *testing.T) {
	var released atomic.Bool
	rt := stubRuntime(t, func(req generateRequest) (string, int) {
		if req.KeepAlive == "0" {
			released.Store(true)
		}
		return "long answer", http.StatusOK
	})
	d := NewDeep(rt, "deep-1", 100*time.Millisecond)

	_, err := d.Generate(context.Background(), Request{Prompt: "förklara kvantdatorer"})
	require.NoError(t, err)
	assert.Greater(t, d.IdleFor(), time.Duration(0))

	d.ReleaseIfIdle(context.Background())
	assert.False(t, released.Load(), "release before idle timeout")

	time.Sleep(150 * time.Millisecond)
	d.ReleaseIfIdle(context.Background())
	assert.True(t, released.Load())
	assert.Equal(t, time.Duration(0), d.IdleFor())
}

func TestComplexityHeuristic(t *testing.T) {
	assert.Less(t, Complexity("hej"), 0.1)
	assert.False(t, IsHard("vad är klockan?"))

	hard := "Analysera och föreslå en plan för hur vi kan optimera med hänsyn till budget. Utvärdera alternativen."
	assert.True(t, IsHard(hard))

	assert.True(t, IsHard("analyze and propose three options, evaluate alternatives and optimize with constraints"))
}
