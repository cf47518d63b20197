package planner

import (
	"strings"
	"time"
	_ "time/tzdata" // default timezone must resolve on minimal images
)

// Argument canonicalization constants.
const (
	defaultTimezone    = "Europe/Stockholm"
	defaultDurationMin = 30
	defaultLocation    = "Stockholm"
	calendarLeadTime   = 30 * time.Minute
	calendarSlot       = 5 * time.Minute
)

// timeNow is swapped in tests to pin the calendar defaults.
var timeNow = time.Now

// canonicalizeArgs applies the tool-specific defaults and drops nil-valued
// entries. It is idempotent and runs both before validation and after the
// enum remap so near-miss tool names still get canonical args. Key ordering
// is handled by serialization (encoding/json sorts map keys).
func canonicalizeArgs(doc map[string]any) {
	args, ok := doc["args"].(map[string]any)
	if !ok {
		args = map[string]any{}
		doc["args"] = args
	}
	for k, v := range args {
		if v == nil {
			delete(args, k)
		}
	}
	tool, _ := doc["tool"].(string)
	switch canonicalToolName(tool) {
	case "calendar.create_draft":
		setDefault(args, "start_iso", defaultStartISO())
		setDefault(args, "duration_min", float64(defaultDurationMin))
		setDefault(args, "timezone", defaultTimezone)
		setDefault(args, "attendees", []any{})
	case "weather.lookup":
		setDefault(args, "location", defaultLocation)
		setDefault(args, "unit", "metric")
	case "email.create_draft":
		setDefault(args, "to", "")
		setDefault(args, "subject", "")
		setDefault(args, "body", "")
		setDefault(args, "importance", "normal")
	}
}

// canonicalToolName resolves near-miss tool names through the remap table so
// canonicalization can run before the enum repair pass.
func canonicalToolName(tool string) string {
	key := strings.ToLower(strings.TrimSpace(tool))
	if mapped, ok := enumRemap["tool"][key]; ok {
		return mapped
	}
	return key
}

// defaultStartISO is now+30 minutes rounded down to a 5-minute boundary in
// the default timezone.
func defaultStartISO() string {
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	t := timeNow().In(loc).Add(calendarLeadTime).Truncate(calendarSlot)
	return t.Format("2006-01-02T15:04:05-07:00")
}

func setDefault(args map[string]any, key string, value any) {
	if _, ok := args[key]; !ok {
		args[key] = value
	}
}
