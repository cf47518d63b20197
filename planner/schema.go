// Package planner defines the strict v4 planner output schema, the bounded
// two-pass repair pipeline (lexical, enum remap) and the tool-specific
// argument canonicalization applied before validation.
package planner

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema and meta version constants for the current planner contract.
const (
	SchemaVersion = "v4"
	MetaVersion   = "4.0"
)

type (
	// Output is the validated planner response.
	Output struct {
		Intent            string         `json:"intent"`
		Tool              string         `json:"tool"`
		Args              map[string]any `json:"args"`
		RenderInstruction string         `json:"render_instruction"`
		Meta              Meta           `json:"meta"`
	}

	// Meta carries the schema identification stamped onto every output.
	Meta struct {
		Version       string `json:"version"`
		ModelID       string `json:"model_id"`
		SchemaVersion string `json:"schema_version"`
	}

	// Plan is the executable form of a planner output: a short description
	// and the tool steps the executor runs.
	Plan struct {
		Description        string   `json:"description"`
		Steps              []Step   `json:"steps"`
		UserFacingResponse string   `json:"user_facing_response"`
		Guardrails         []string `json:"guardrails,omitempty"`
	}

	// Step is a single tool invocation within a plan.
	Step struct {
		ToolName  string         `json:"tool_name"`
		Args      map[string]any `json:"args"`
		Reason    string         `json:"reason,omitempty"`
		TimeoutMS int            `json:"timeout_ms,omitempty"`
	}
)

// schemaV4 is the strict planner output schema. Unknown fields and enum
// values outside the whitelist are rejected.
const schemaV4 = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["intent", "tool", "args", "render_instruction", "meta"],
  "properties": {
    "intent": {"enum": ["email", "calendar", "weather", "memory", "none"]},
    "tool": {"enum": ["email.create_draft", "calendar.create_draft", "weather.lookup", "memory.query", "none"]},
    "args": {"type": "object"},
    "render_instruction": {"enum": ["chart", "map", "scene", "none"]},
    "meta": {
      "type": "object",
      "additionalProperties": false,
      "required": ["version", "schema_version"],
      "properties": {
        "version": {"const": "4.0"},
        "model_id": {"type": "string"},
        "schema_version": {"const": "v4"}
      }
    }
  }
}`

var compiledV4 = mustCompile()

func mustCompile() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaV4))
	if err != nil {
		panic(fmt.Sprintf("planner: schema document: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("planner_v4.json", doc); err != nil {
		panic(fmt.Sprintf("planner: add schema resource: %v", err))
	}
	sch, err := c.Compile("planner_v4.json")
	if err != nil {
		panic(fmt.Sprintf("planner: compile schema: %v", err))
	}
	return sch
}

// validate runs the decoded document against the v4 schema.
func validate(doc map[string]any) error {
	if err := compiledV4.Validate(doc); err != nil {
		return fmt.Errorf("planner schema: %w", err)
	}
	return nil
}

// ToPlan converts a validated output into an executable plan. A "none" tool
// yields an empty step list.
func (o Output) ToPlan(userFacing string) Plan {
	plan := Plan{
		Description:        fmt.Sprintf("%s via %s", o.Intent, o.Tool),
		UserFacingResponse: userFacing,
	}
	if o.Tool != "none" {
		plan.Steps = []Step{{ToolName: o.Tool, Args: o.Args, Reason: o.Intent}}
	}
	return plan
}
