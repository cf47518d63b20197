package tools

import (
	"context"
	"fmt"
	"time"
)

type (
	// MemoryQuerier is the slice of the memory service the memory.query tool
	// needs. The memoryapi client satisfies it.
	MemoryQuerier interface {
		Query(ctx context.Context, query string, limit int) ([]string, error)
	}

	// WeatherFunc resolves a forecast for a location. Implementations may be
	// backed by a network service; the executor budget bounds them.
	WeatherFunc func(ctx context.Context, location, unit string) (string, error)

	// BuiltinDeps injects the external collaborators the built-in tools use.
	// Nil fields disable the corresponding tool.
	BuiltinDeps struct {
		Weather WeatherFunc
		Memory  MemoryQuerier
	}
)

// RegisterBuiltins declares the assistant's tool set: the two draft builders,
// the weather lookup with its canned fallback, and the memory query.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) error {
	specs := []Spec{
		{
			Name:        "calendar.create_draft",
			Description: "Skapar ett utkast till kalenderhändelse.",
			ArgsSchema: `{
				"type": "object",
				"properties": {
					"title": {"type": "string"},
					"start_iso": {"type": "string"},
					"duration_min": {"type": "number"},
					"timezone": {"type": "string"},
					"attendees": {"type": "array", "items": {"type": "string"}}
				}
			}`,
			Handler:    calendarDraft,
			DegradedOK: true,
		},
		{
			Name:        "email.create_draft",
			Description: "Skapar ett utkast till e-postmeddelande.",
			ArgsSchema: `{
				"type": "object",
				"properties": {
					"to": {"type": "string"},
					"subject": {"type": "string"},
					"body": {"type": "string"},
					"importance": {"enum": ["low", "normal", "high"]}
				}
			}`,
			Handler:    emailDraft,
			DegradedOK: true,
		},
	}
	if deps.Weather != nil {
		specs = append(specs,
			Spec{
				Name:        "weather.lookup",
				Description: "Hämtar väderprognos för en plats.",
				ArgsSchema: `{
					"type": "object",
					"properties": {
						"location": {"type": "string"},
						"unit": {"enum": ["metric", "imperial"]}
					}
				}`,
				Handler:  weatherLookup(deps.Weather),
				Fallback: "weather.fallback_forecast",
			},
			Spec{
				Name:        "weather.fallback_forecast",
				Description: "Kort generisk prognos när vädertjänsten inte svarar.",
				Handler: func(context.Context, map[string]any) (any, error) {
					return map[string]any{
						"forecast": "Väderinformation är inte tillgänglig just nu.",
						"cached":   true,
					}, nil
				},
				DegradedOK: true,
			},
		)
	}
	if deps.Memory != nil {
		specs = append(specs, Spec{
			Name:        "memory.query",
			Description: "Söker i användarens sparade minnen.",
			ArgsSchema: `{
				"type": "object",
				"properties": {
					"query": {"type": "string"},
					"limit": {"type": "number"}
				},
				"required": ["query"]
			}`,
			Handler: memoryQuery(deps.Memory),
		})
	}
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

func calendarDraft(_ context.Context, args map[string]any) (any, error) {
	title, _ := args["title"].(string)
	if title == "" {
		title = "Nytt möte"
	}
	return map[string]any{
		"draft_type":   "calendar_event",
		"title":        title,
		"start_iso":    args["start_iso"],
		"duration_min": args["duration_min"],
		"timezone":     args["timezone"],
		"attendees":    args["attendees"],
		"created_at":   time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func emailDraft(_ context.Context, args map[string]any) (any, error) {
	return map[string]any{
		"draft_type": "email",
		"to":         args["to"],
		"subject":    args["subject"],
		"body":       args["body"],
		"importance": args["importance"],
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func weatherLookup(fn WeatherFunc) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		location, _ := args["location"].(string)
		unit, _ := args["unit"].(string)
		forecast, err := fn(ctx, location, unit)
		if err != nil {
			return nil, fmt.Errorf("weather lookup: %w", err)
		}
		return map[string]any{"location": location, "unit": unit, "forecast": forecast}, nil
	}
}

func memoryQuery(m MemoryQuerier) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		limit := 5
		if v, ok := args["limit"].(float64); ok && v > 0 {
			limit = int(v)
		}
		hits, err := m.Query(ctx, query, limit)
		if err != nil {
			return nil, fmt.Errorf("memory query: %w", err)
		}
		return map[string]any{"hits": hits}, nil
	}
}
