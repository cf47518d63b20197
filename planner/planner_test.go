package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pinClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := timeNow
	timeNow = func() time.Time { return at }
	t.Cleanup(func() { timeNow = prev })
}

func TestParseAndValidateCleanOutput(t *testing.T) {
	raw := `{
		"intent": "weather",
		"tool": "weather.lookup",
		"args": {"location": "Göteborg"},
		"render_instruction": "none",
		"meta": {"version": "4.0", "model_id": "planner-1", "schema_version": "v4"}
	}`
	out, repaired, err := ParseAndValidate(raw, "planner-1")
	require.NoError(t, err)
	assert.False(t, repaired)
	assert.Equal(t, "weather", out.Intent)
	assert.Equal(t, "weather.lookup", out.Tool)
	assert.Equal(t, "Göteborg", out.Args["location"])
	assert.Equal(t, "metric", out.Args["unit"])
	assert.Equal(t, "4.0", out.Meta.Version)
	assert.Equal(t, "v4", out.Meta.SchemaVersion)
}

func TestParseAndValidateNearMissRepair(t *testing.T) {
	// Near-miss tool name, placeholder enum and empty meta are all repairable
	// in a single pass.
	raw := `{"intent":"calendar","tool":"create_calendar_draft","args":{},"render_instruction":"<enum>","meta":{}}`
	out, repaired, err := ParseAndValidate(raw, "planner-1")
	require.NoError(t, err)
	assert.True(t, repaired)
	assert.Equal(t, "calendar.create_draft", out.Tool)
	assert.Equal(t, "none", out.RenderInstruction)
	assert.Equal(t, "4.0", out.Meta.Version)
	assert.Equal(t, "planner-1", out.Meta.ModelID)
	assert.NotEmpty(t, out.Args["start_iso"])
	assert.Equal(t, float64(30), out.Args["duration_min"])
	assert.Equal(t, "Europe/Stockholm", out.Args["timezone"])
}

func TestParseAndValidateLexicalRepair(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"trailing prose", `{"intent":"none","tool":"none","args":{},"render_instruction":"none","meta":{}} Hope this helps!`},
		{"leading fence", "```json\n{\"intent\":\"none\",\"tool\":\"none\",\"args\":{},\"render_instruction\":\"none\",\"meta\":{}}\n```"},
		{"missing brace", `{"intent":"none","tool":"none","args":{},"render_instruction":"none","meta":{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, repaired, err := ParseAndValidate(tc.raw, "planner-1")
			require.NoError(t, err)
			assert.True(t, repaired)
			assert.Equal(t, "none", out.Tool)
		})
	}
}

func TestParseAndValidateRejectsUnknownField(t *testing.T) {
	raw := `{"intent":"none","tool":"none","args":{},"render_instruction":"none","meta":{},"extra":true}`
	_, _, err := ParseAndValidate(raw, "planner-1")
	require.ErrorIs(t, err, ErrSchema)
}

func TestParseAndValidateRejectsUnknownEnum(t *testing.T) {
	raw := `{"intent":"bank_heist","tool":"none","args":{},"render_instruction":"none","meta":{}}`
	_, _, err := ParseAndValidate(raw, "planner-1")
	require.ErrorIs(t, err, ErrSchema)
}

func TestParseAndValidateRejectsGarbage(t *testing.T) {
	_, _, err := ParseAndValidate("I could not produce JSON today, sorry.", "planner-1")
	require.ErrorIs(t, err, ErrSchema)
}

func TestEnumRemapTable(t *testing.T) {
	// Every entry in the remap table must resolve to a valid enum value.
	valid := map[string]map[string]bool{
		"intent":             {"email": true, "calendar": true, "weather": true, "memory": true, "none": true},
		"tool":               {"email.create_draft": true, "calendar.create_draft": true, "weather.lookup": true, "memory.query": true, "none": true},
		"render_instruction": {"chart": true, "map": true, "scene": true, "none": true},
	}
	for field, table := range enumRemap {
		for from, to := range table {
			assert.True(t, valid[field][to], "%s: %q -> %q", field, from, to)
		}
	}
}

func TestCalendarDefaultsRoundDown(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Stockholm")
	require.NoError(t, err)
	pinClock(t, time.Date(2026, 3, 10, 14, 03, 20, 0, loc))

	raw := `{"intent":"calendar","tool":"calendar.create_draft","args":{},"render_instruction":"none","meta":{}}`
	out, _, err := ParseAndValidate(raw, "planner-1")
	require.NoError(t, err)
	// 14:03:20 + 30 min = 14:33:20, rounded down to 14:30:00.
	assert.Equal(t, "2026-03-10T14:30:00+01:00", out.Args["start_iso"])
	assert.Equal(t, []any{}, out.Args["attendees"])
}

func TestEmailDefaults(t *testing.T) {
	raw := `{"intent":"email","tool":"email.create_draft","args":{"subject":"Lunch"},"render_instruction":"none","meta":{}}`
	out, _, err := ParseAndValidate(raw, "planner-1")
	require.NoError(t, err)
	assert.Equal(t, "Lunch", out.Args["subject"])
	assert.Equal(t, "", out.Args["to"])
	assert.Equal(t, "normal", out.Args["importance"])
}

func TestNilArgsDropped(t *testing.T) {
	raw := `{"intent":"memory","tool":"memory.query","args":{"query":"kaffe","limit":null},"render_instruction":"none","meta":{}}`
	out, _, err := ParseAndValidate(raw, "planner-1")
	require.NoError(t, err)
	_, present := out.Args["limit"]
	assert.False(t, present)
	assert.Equal(t, "kaffe", out.Args["query"])
}

func TestToPlan(t *testing.T) {
	out := Output{Intent: "weather", Tool: "weather.lookup", Args: map[string]any{"location": "Stockholm"}}
	plan := out.ToPlan("Soligt idag.")
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "weather.lookup", plan.Steps[0].ToolName)
	assert.Equal(t, "Soligt idag.", plan.UserFacingResponse)

	none := Output{Intent: "none", Tool: "none"}
	assert.Empty(t, none.ToPlan("Hej!").Steps)
}
