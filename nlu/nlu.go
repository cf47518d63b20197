// Package nlu provides the remote intent-classification client and the
// keyword fallback it degrades to. The remote parse is guarded by the
// nlu_service circuit breaker and a tight latency budget; every failure mode
// falls open to the keyword classifier so routing always has an intent.
package nlu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"goa.design/clue/log"

	"github.com/DanielWarg/AliceV2-sub000/breaker"
	"github.com/DanielWarg/AliceV2-sub000/router"
)

type (
	// Parse is the NLU outcome the pipeline consumes. Source records whether
	// the remote service or the keyword fallback produced it.
	Parse struct {
		Intent     string            `json:"intent"`
		Confidence float64           `json:"confidence"`
		Validated  bool              `json:"validated"`
		Slots      map[string]string `json:"slots,omitempty"`
		RouteHint  router.Class      `json:"route_hint"`
		Source     string            `json:"source"`
	}

	// Client calls POST /api/nlu/parse with a bounded budget.
	Client struct {
		base    string
		http    *http.Client
		breaker *breaker.Breaker
		timeout time.Duration
	}

	// Options configures the NLU client.
	Options struct {
		// BaseURL of the NLU service. Empty means fallback-only operation.
		BaseURL string
		// Timeout bounds the parse call. Defaults to 80 ms.
		Timeout time.Duration
		// Breaker guards the remote call. Required when BaseURL is set.
		Breaker *breaker.Breaker
	}

	parseRequest struct {
		V         string `json:"v"`
		Text      string `json:"text"`
		Lang      string `json:"lang"`
		SessionID string `json:"session_id"`
	}

	parseResponse struct {
		Intent struct {
			Label      string  `json:"label"`
			Confidence float64 `json:"confidence"`
			Validated  bool    `json:"validated"`
		} `json:"intent"`
		Slots     map[string]string `json:"slots"`
		RouteHint router.Class      `json:"route_hint"`
	}
)

// Parse sources recorded on turn events.
const (
	SourceRemote   = "nlu_service"
	SourceFallback = "keyword_fallback"
)

// NewClient constructs the NLU client.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 80 * time.Millisecond
	}
	return &Client{
		base:    opts.BaseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: opts.Breaker,
		timeout: timeout,
	}
}

// Parse classifies text, preferring the remote service and falling back to
// keywords on any failure. It never returns an error.
func (c *Client) Parse(ctx context.Context, text, lang, sessionID string) Parse {
	if c.base == "" || c.breaker == nil {
		return Fallback(text)
	}
	var result Parse
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		parsed, err := c.parseRemote(ctx, text, lang, sessionID)
		if err != nil {
			return err
		}
		result = parsed
		return nil
	})
	if err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "nlu parse fell back to keywords"}, log.KV{K: "err", V: err.Error()})
		return Fallback(text)
	}
	return result
}

func (c *Client) parseRemote(ctx context.Context, text, lang, sessionID string) (Parse, error) {
	body, err := json.Marshal(parseRequest{V: "1", Text: text, Lang: lang, SessionID: sessionID})
	if err != nil {
		return Parse{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/nlu/parse", bytes.NewReader(body))
	if err != nil {
		return Parse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return Parse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Parse{}, fmt.Errorf("nlu parse: status %d", resp.StatusCode)
	}
	var decoded parseResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Parse{}, fmt.Errorf("nlu parse: decode: %w", err)
	}
	if decoded.Intent.Label == "" {
		return Parse{}, fmt.Errorf("nlu parse: empty intent")
	}
	return Parse{
		Intent:     decoded.Intent.Label,
		Confidence: decoded.Intent.Confidence,
		Validated:  decoded.Intent.Validated,
		Slots:      decoded.Slots,
		RouteHint:  decoded.RouteHint,
		Source:     SourceRemote,
	}, nil
}

// keywordRules map keyword patterns to intents in priority order; the first
// match wins.
var keywordRules = []struct {
	re     *regexp.Regexp
	intent string
	hint   router.Class
}{
	{regexp.MustCompile(`(?i)^\s*(hej|hejsan|tja|tjena|hallå|god\s*(morgon|kväll)|hi|hello|hey)\b`), "greeting.hello", router.ClassMicro},
	{regexp.MustCompile(`(?i)\b(vad är klockan|hur mycket är klockan|what time)\b`), "time.now", router.ClassMicro},
	{regexp.MustCompile(`(?i)\b(väder|vädret|weather)\b`), "weather.lookup", router.ClassMicro},
	{regexp.MustCompile(`(?i)\b(boka|möte|kalender|schedule|calendar)\b`), "calendar.create", router.ClassPlanner},
	{regexp.MustCompile(`(?i)\b(mejl|mail|e-post|email|skicka)\b`), "email.create", router.ClassPlanner},
	{regexp.MustCompile(`(?i)\b(kom ihåg|glöm inte|minns|remember)\b`), "memory.store", router.ClassMicro},
	{regexp.MustCompile(`(?i)\b(förklara|sammanfatta|jämför|varför|analysera|explain|summarize|compare|why)\b`), "analysis.request", router.ClassDeep},
}

// Fallback classifies text with the keyword rules. Unmatched text maps to the
// "unknown" intent with a planner hint, which is the safe middle tier.
func Fallback(text string) Parse {
	for _, rule := range keywordRules {
		if rule.re.MatchString(text) {
			return Parse{
				Intent:     rule.intent,
				Confidence: 0.55,
				Validated:  false,
				RouteHint:  rule.hint,
				Source:     SourceFallback,
			}
		}
	}
	return Parse{
		Intent:     "unknown",
		Confidence: 0.2,
		RouteHint:  router.ClassPlanner,
		Source:     SourceFallback,
	}
}
