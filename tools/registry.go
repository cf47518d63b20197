// Package tools declares the tool registry and the plan step executor. Tools
// carry a JSON argument schema, a handler and an optional fallback edge the
// executor consults when the primary invocation fails.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Handler executes a tool with canonicalized arguments.
	Handler func(ctx context.Context, args map[string]any) (any, error)

	// Spec declares a tool: its argument schema, handler and fallback edge.
	Spec struct {
		// Name is the canonical dotted tool name, e.g. "calendar.create_draft".
		Name string
		// Description documents the tool for the /tools listing.
		Description string
		// ArgsSchema is the JSON Schema for the tool arguments. Empty skips
		// argument validation.
		ArgsSchema string
		// Handler runs the tool. Required.
		Handler Handler
		// Fallback names the tool to try when this one fails. Optional.
		Fallback string
		// DegradedOK advertises the tool as available even when the oracle
		// reports a degraded state. Draft-only tools set this; tools with
		// external side effects do not.
		DegradedOK bool

		compiled *jsonschema.Schema
	}

	// Registry holds the declared tools. Registration happens at startup;
	// lookups are read-only afterwards.
	Registry struct {
		mu    sync.RWMutex
		specs map[string]*Spec
	}
)

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*Spec)}
}

// Register adds a tool spec, compiling its argument schema. Registering a
// duplicate name or an invalid schema is a programming error and fails fast.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tools: spec name is required")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tools: %s: handler is required", spec.Name)
	}
	if spec.ArgsSchema != "" {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(spec.ArgsSchema))
		if err != nil {
			return fmt.Errorf("tools: %s: args schema: %w", spec.Name, err)
		}
		c := jsonschema.NewCompiler()
		url := spec.Name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return fmt.Errorf("tools: %s: args schema: %w", spec.Name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("tools: %s: args schema: %w", spec.Name, err)
		}
		spec.compiled = compiled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("tools: %s: already registered", spec.Name)
	}
	r.specs[spec.Name] = &spec
	return nil
}

// Lookup returns the spec for name.
func (r *Registry) Lookup(name string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the registered specs sorted by name.
func (r *Registry) List() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]*Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Normalize maps a tool name onto the bounded set used in metrics and turn
// events: registered names pass through, everything else becomes "other".
func (r *Registry) Normalize(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.specs[name]; ok {
		return name
	}
	return "other"
}

// ValidateArgs checks args against the tool's schema when one is declared.
func (s *Spec) ValidateArgs(args map[string]any) error {
	if s.compiled == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := s.compiled.Validate(args); err != nil {
		return fmt.Errorf("tools: %s: invalid args: %w", s.Name, err)
	}
	return nil
}
