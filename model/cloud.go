package model

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/DanielWarg/AliceV2-sub000/faults"
	"github.com/DanielWarg/AliceV2-sub000/planner"
)

// hardThreshold gates the cloud planner: only prompts the complexity
// heuristic scores at or above this go to the cloud.
const hardThreshold = 0.6

// reasoningPatterns are the phrasings that mark a prompt as needing real
// multi-step reasoning. Both Swedish and English forms are matched since
// users mix the two.
var reasoningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)analysera\s+och\s+föreslå`),
	regexp.MustCompile(`(?i)analyze\s+and\s+propose`),
	regexp.MustCompile(`(?i)utvärdera\s+alternativ`),
	regexp.MustCompile(`(?i)evaluate\s+alternatives`),
	regexp.MustCompile(`(?i)optimera\s+med\s+(hänsyn|begränsningar)`),
	regexp.MustCompile(`(?i)optimi[sz]e\s+with\s+constraints`),
	regexp.MustCompile(`(?i)jämför\s+och\s+motivera`),
	regexp.MustCompile(`(?i)för-\s*och\s*nackdelar`),
	regexp.MustCompile(`(?i)steg\s+för\s+steg`),
}

// Complexity scores a prompt in [0, 1]: a weighted sum of length and
// reasoning-pattern hits. Deterministic and cheap; runs on every planner
// request when the cloud tier is configured.
func Complexity(text string) float64 {
	words := len(strings.Fields(text))
	score := float64(words) / 100.0
	if score > 0.4 {
		score = 0.4
	}
	for _, re := range reasoningPatterns {
		if re.MatchString(text) {
			score += 0.3
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

// IsHard reports whether the prompt should be escalated to the cloud planner.
func IsHard(text string) bool { return Complexity(text) >= hardThreshold }

type (
	// CloudPlannerOptions configures the optional cloud tier.
	CloudPlannerOptions struct {
		// APIKey enables the tier. Empty disables it entirely.
		APIKey string
		// Model defaults to gpt-4o-mini.
		Model string
		// Timeout bounds each call. Defaults to 10 s.
		Timeout time.Duration
	}

	// CloudPlanner produces v4 plans from a hosted chat-completions model in
	// JSON response mode. Output goes through the same validation and repair
	// path as the local planner.
	CloudPlanner struct {
		client  openai.Client
		modelID string
		timeout time.Duration
	}
)

// NewCloudPlanner constructs the cloud tier. Returns an error when no API key
// is configured; callers treat that as "tier disabled".
func NewCloudPlanner(opts CloudPlannerOptions) (*CloudPlanner, error) {
	if opts.APIKey == "" {
		return nil, errors.New("model: cloud planner requires an API key")
	}
	modelID := opts.Model
	if modelID == "" {
		modelID = "gpt-4o-mini"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CloudPlanner{
		client:  openai.NewClient(option.WithAPIKey(opts.APIKey)),
		modelID: modelID,
		timeout: timeout,
	}, nil
}

// Route implements Driver. The cloud tier serves planner-class requests.
func (c *CloudPlanner) Route() string { return RoutePlanner }

// ModelID implements Driver.
func (c *CloudPlanner) ModelID() string { return c.modelID }

// Generate asks the hosted model for a v4 plan in JSON mode and validates the
// result like any other planner output.
func (c *CloudPlanner) Generate(ctx context.Context, req Request) (Result, error) {
	began := time.Now()
	res := Result{ModelID: c.modelID, Route: RoutePlanner}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	completion, err := c.client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.modelID),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(plannerSystemPrompt),
			openai.UserMessage(req.Prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
		Temperature: openai.Float(0.1),
		MaxTokens:   openai.Int(512),
	})
	if err != nil {
		res.ErrorClass = classifyCloud(err)
		return finish(res, began), faults.Wrap(res.ErrorClass, err)
	}
	if len(completion.Choices) == 0 {
		res.ErrorClass = faults.ClassServer
		return finish(res, began), faults.New(faults.ClassServer, "cloud planner returned no choices")
	}
	res.TokensUsed = int(completion.Usage.TotalTokens)

	structured, repaired, err := planner.ParseAndValidate(completion.Choices[0].Message.Content, c.modelID)
	if err != nil {
		res.ErrorClass = faults.ClassSchema
		return finish(res, began), err
	}
	res.SchemaOK = true
	res.RepairUsed = repaired
	res.Text = userFacingText(structured)
	plan := structured.ToPlan(res.Text)
	res.Plan = &plan
	return finish(res, began), nil
}

func classifyCloud(err error) faults.Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.ClassTimeout
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return faults.FromHTTPStatus(apiErr.StatusCode)
	}
	return faults.ClassServer
}
