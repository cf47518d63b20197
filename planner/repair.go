package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrSchema wraps all planner output failures that could not be repaired to
// the current schema. Callers classify it as the "schema" error class.
var ErrSchema = errors.New("planner: output does not satisfy schema v4")

// enumRemap maps known model near-misses and placeholders to canonical enum
// values. Each entry is covered by a unit test.
var enumRemap = map[string]map[string]string{
	"intent": {
		"<enum>":    "none",
		"mail":      "email",
		"e-mail":    "email",
		"cal":       "calendar",
		"kalender":  "calendar",
		"väder":     "weather",
		"minne":     "memory",
		"no_intent": "none",
	},
	"tool": {
		"<enum>":                "none",
		"create_calendar_draft": "calendar.create_draft",
		"calendar_create_draft": "calendar.create_draft",
		"calendar.create":       "calendar.create_draft",
		"create_email_draft":    "email.create_draft",
		"email_create_draft":    "email.create_draft",
		"email.create":          "email.create_draft",
		"lookup_weather":        "weather.lookup",
		"weather_lookup":        "weather.lookup",
		"query_memory":          "memory.query",
		"memory_query":          "memory.query",
		"no_tool":               "none",
	},
	"render_instruction": {
		"<enum>": "none",
		"map?":   "map",
		"graph":  "chart",
		"plot":   "chart",
		"":       "none",
	},
}

// ParseAndValidate turns a raw model string into a validated Output. The
// pipeline is bounded: at most one lexical repair pass on the raw string and
// at most one enum-remap pass on the decoded document. repaired reports
// whether either pass changed anything, for telemetry.
func ParseAndValidate(raw, modelID string) (out Output, repaired bool, err error) {
	doc, decodeRepaired, err := decode(raw)
	if err != nil {
		return Output{}, decodeRepaired, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	repaired = decodeRepaired

	normalizeMeta(doc, modelID)
	canonicalizeArgs(doc)

	if err := validate(doc); err == nil {
		return toOutput(doc), repaired, nil
	}

	// Second attempt after the deterministic enum remap. Args are
	// re-canonicalized since the remap may have resolved the tool name.
	if remapEnums(doc) {
		repaired = true
	}
	canonicalizeArgs(doc)
	if err := validate(doc); err != nil {
		return Output{}, repaired, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return toOutput(doc), repaired, nil
}

// decode unmarshals raw, applying the lexical repair once if the first parse
// fails.
func decode(raw string) (map[string]any, bool, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err == nil {
		return doc, false, nil
	}
	fixed := LexicalRepair(raw)
	var doc2 map[string]any
	if err := json.Unmarshal([]byte(fixed), &doc2); err != nil {
		return nil, true, err
	}
	return doc2, true, nil
}

// LexicalRepair applies the cheap syntactic fixes models commonly need: strip
// any prose around the outermost object, trim to the last closing brace, and
// rebalance braces or quotes when they are off by exactly one.
func LexicalRepair(raw string) string {
	s := strings.TrimSpace(raw)

	// Strip Markdown fences and leading prose before the first brace.
	if start := strings.Index(s, "{"); start > 0 {
		s = s[start:]
	}
	if end := strings.LastIndex(s, "}"); end >= 0 {
		s = s[:end+1]
	}

	// Rebalance quotes when off by exactly one.
	if quotes := strings.Count(s, `"`) - strings.Count(s, `\"`); quotes%2 == 1 {
		s += `"`
	}
	// Rebalance braces when off by exactly one.
	if open, closed := strings.Count(s, "{"), strings.Count(s, "}"); open-closed == 1 {
		s += "}"
	}
	return s
}

// normalizeMeta stamps the canonical meta block, preserving an existing
// model_id when present.
func normalizeMeta(doc map[string]any, modelID string) {
	meta, _ := doc["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	if id, ok := meta["model_id"].(string); ok && id != "" {
		modelID = id
	}
	normalized := map[string]any{
		"version":        MetaVersion,
		"schema_version": SchemaVersion,
	}
	if modelID != "" {
		normalized["model_id"] = modelID
	}
	doc["meta"] = normalized
}

// remapEnums applies the deterministic enum remap table in place and reports
// whether anything changed.
func remapEnums(doc map[string]any) bool {
	changed := false
	for field, table := range enumRemap {
		val, ok := doc[field].(string)
		if !ok {
			if _, present := doc[field]; !present && field == "render_instruction" {
				doc[field] = "none"
				changed = true
			}
			continue
		}
		if mapped, ok := table[strings.ToLower(strings.TrimSpace(val))]; ok && mapped != val {
			doc[field] = mapped
			changed = true
		}
	}
	if _, ok := doc["args"]; !ok {
		doc["args"] = map[string]any{}
		changed = true
	}
	return changed
}

func toOutput(doc map[string]any) Output {
	out := Output{
		Intent:            doc["intent"].(string),
		Tool:              doc["tool"].(string),
		RenderInstruction: doc["render_instruction"].(string),
	}
	if args, ok := doc["args"].(map[string]any); ok {
		out.Args = args
	} else {
		out.Args = map[string]any{}
	}
	if meta, ok := doc["meta"].(map[string]any); ok {
		out.Meta.Version, _ = meta["version"].(string)
		out.Meta.SchemaVersion, _ = meta["schema_version"].(string)
		out.Meta.ModelID, _ = meta["model_id"].(string)
	}
	return out
}
