// Package router implements the rule-based routing policy that assigns each
// request to a cost tier (micro, planner, deep) without any external I/O, plus
// the sliding-window quota tracker that keeps the cheap tier from swallowing
// the traffic mix.
package router

import (
	"fmt"
	"regexp"
	"strings"
)

// Class is a routing cost tier. Cache is a synthetic class reported when a
// request is answered from the response cache without touching a driver.
type Class string

const (
	ClassMicro   Class = "micro"
	ClassPlanner Class = "planner"
	ClassDeep    Class = "deep"
	ClassCache   Class = "cache"
)

type (
	// Decision is the outcome of routing policy for one request.
	Decision struct {
		// Class is the selected tier.
		Class Class `json:"class"`
		// Confidence is the normalized score of the winning class in [0,1].
		Confidence float64 `json:"confidence"`
		// Reason explains the decision for telemetry and debugging.
		Reason string `json:"reason"`
		// Features holds the extracted text features that drove the scores.
		Features Features `json:"features"`
	}

	// Features are the cheap text signals the policy scores on.
	Features struct {
		Chars        int  `json:"chars"`
		Words        int  `json:"words"`
		HasQuestion  bool `json:"has_question"`
		HasExclaim   bool `json:"has_exclaim"`
		HasDigits    bool `json:"has_digits"`
		HasURL       bool `json:"has_url"`
		MicroHits    int  `json:"micro_hits"`
		PlannerHits  int  `json:"planner_hits"`
		DeepHits     int  `json:"deep_hits"`
	}

	// Hint carries the NLU route suggestion into the policy. Confidence below
	// the override threshold leaves the rule-based scores untouched.
	Hint struct {
		Class      Class
		Confidence float64
	}

	// Policy scores request text into a Decision. Safe for concurrent use;
	// all state is immutable after construction.
	Policy struct {
		micro   []*regexp.Regexp
		planner []*regexp.Regexp
		deep    []*regexp.Regexp

		hintThreshold float64
		microNudge    float64
		quotaPenalty  float64
	}

	// PolicyConfig tunes the policy modulation constants.
	PolicyConfig struct {
		// HintThreshold is the minimum NLU confidence that overrides the
		// rule-based winner. Defaults to 0.7.
		HintThreshold float64
		// MicroNudge boosts the micro score when it is already non-trivial so
		// borderline requests take the cheap path. Defaults to 1.15.
		MicroNudge float64
		// QuotaPenalty divides the micro score (and multiplies planner) when
		// the micro share is exhausted. Defaults to 4.
		QuotaPenalty float64
	}
)

// The three disjoint pattern families. Swedish first since that is the primary
// user language, with the English forms the NLU fallback also understands.
var (
	microPatterns = []string{
		`(?i)^\s*(hej|hejsan|tja|tjena|hallå|god\s*(morgon|kväll|natt)|hi|hello|hey)\b`,
		`(?i)\b(vad är klockan|hur mycket är klockan|what time)\b`,
		`(?i)\b(vädret|väder idag|weather now)\b`,
		`(?i)^\s*(ja|nej|ok|okej|tack|yes|no|thanks)\s*[.!]?\s*$`,
		`(?i)\b(kom ihåg|glöm inte|remember that)\b`,
	}
	plannerPatterns = []string{
		`(?i)\b(boka|book|schedule|schemalägg)\b`,
		`(?i)\b(skicka|send|mejla|maila|email)\b`,
		`(?i)\b(visa|show|lista|list)\b`,
		`(?i)\b(skapa|create|lägg till|add)\b`,
		`(?i)\b(ändra|modify|flytta|move|uppdatera|update)\b`,
		`(?i)\b(sök|search|hitta|find|leta)\b`,
	}
	deepPatterns = []string{
		`(?i)\b(förklara|explain)\b`,
		`(?i)\b(sammanfatta|summarize|summera)\b`,
		`(?i)\b(jämför|compare)\b`,
		`(?i)\b(varför|why|orsak|because of|anledning)\b`,
		`(?i)\b(rekommendera|recommend|föreslå|suggest)\b`,
		`(?i)\b(analysera|analyze|resonera|reason)\b`,
	}

	urlPattern   = regexp.MustCompile(`(?i)https?://\S+`)
	digitPattern = regexp.MustCompile(`\d`)
)

// NewPolicy compiles the pattern families and applies defaults for zero-value
// config fields.
func NewPolicy(cfg PolicyConfig) *Policy {
	if cfg.HintThreshold <= 0 {
		cfg.HintThreshold = 0.7
	}
	if cfg.MicroNudge <= 0 {
		cfg.MicroNudge = 1.15
	}
	if cfg.QuotaPenalty <= 1 {
		cfg.QuotaPenalty = 4
	}
	return &Policy{
		micro:         compileAll(microPatterns),
		planner:       compileAll(plannerPatterns),
		deep:          compileAll(deepPatterns),
		hintThreshold: cfg.HintThreshold,
		microNudge:    cfg.MicroNudge,
		quotaPenalty:  cfg.QuotaPenalty,
	}
}

func compileAll(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile(p)
	}
	return compiled
}

// Extract computes the routing features for text.
func (p *Policy) Extract(text string) Features {
	return Features{
		Chars:       len([]rune(text)),
		Words:       len(strings.Fields(text)),
		HasQuestion: strings.Contains(text, "?"),
		HasExclaim:  strings.Contains(text, "!"),
		HasDigits:   digitPattern.MatchString(text),
		HasURL:      urlPattern.MatchString(text),
		MicroHits:   countMatches(p.micro, text),
		PlannerHits: countMatches(p.planner, text),
		DeepHits:    countMatches(p.deep, text),
	}
}

func countMatches(patterns []*regexp.Regexp, text string) int {
	n := 0
	for _, re := range patterns {
		if re.MatchString(text) {
			n++
		}
	}
	return n
}

// Route scores text and returns a Decision. forced takes absolute precedence,
// then an NLU hint above the confidence threshold, then the rule-based scores
// modulated by the micro nudge and the quota state. Route never fails; ties
// resolve to planner.
func (p *Policy) Route(text string, forced Class, hint *Hint, quotaExceeded bool) Decision {
	f := p.Extract(text)

	if forced == ClassMicro || forced == ClassPlanner || forced == ClassDeep {
		return Decision{Class: forced, Confidence: 1, Reason: "forced route", Features: f}
	}

	scores := p.score(f)

	if hint != nil && hint.Confidence >= p.hintThreshold {
		if hint.Class == ClassMicro || hint.Class == ClassPlanner || hint.Class == ClassDeep {
			return Decision{
				Class:      hint.Class,
				Confidence: hint.Confidence,
				Reason:     fmt.Sprintf("NLU hint %s (%.2f)", hint.Class, hint.Confidence),
				Features:   f,
			}
		}
	}

	// Cheap-path preference: only when micro already has signal.
	if scores[ClassMicro] > 1 {
		scores[ClassMicro] *= p.microNudge
	}

	reason := "rule-based scoring"
	if quotaExceeded {
		scores[ClassMicro] /= p.quotaPenalty
		// Floor planner at 1 so the multiplier can actually shift decisions
		// where planner scored zero.
		if scores[ClassPlanner] < 1 {
			scores[ClassPlanner] = 1
		}
		scores[ClassPlanner] *= p.quotaPenalty
		reason = "MICRO quota exceeded, shifted to planner"
	}

	class, confidence := pick(scores)
	return Decision{Class: class, Confidence: confidence, Reason: reason, Features: f}
}

// score applies the fixed per-class bonus table. Pattern hits dominate; length
// buckets and interaction bonuses break the near-ties.
func (p *Policy) score(f Features) map[Class]float64 {
	scores := map[Class]float64{
		ClassMicro:   float64(f.MicroHits) * 2,
		ClassPlanner: float64(f.PlannerHits) * 2,
		ClassDeep:    float64(f.DeepHits) * 2,
	}

	switch {
	case f.Words <= 4:
		scores[ClassMicro] += 2
	case f.Words <= 20:
		scores[ClassPlanner] += 1
	default:
		scores[ClassDeep] += 2
	}

	if f.HasQuestion && f.Words > 8 {
		scores[ClassDeep] += 1
	}
	if f.HasExclaim && f.Words <= 6 {
		scores[ClassMicro] += 0.5
	}
	if f.HasDigits {
		scores[ClassPlanner] += 0.5
	}
	if f.HasURL {
		scores[ClassDeep] += 0.5
	}
	return scores
}

// pick normalizes the scores into a distribution and returns the winner with
// its normalized share. Ties resolve to planner.
func pick(scores map[Class]float64) (Class, float64) {
	total := 0.0
	for _, v := range scores {
		if v > 0 {
			total += v
		}
	}
	if total == 0 {
		return ClassPlanner, 0
	}

	// Planner wins exact ties by starting as the incumbent.
	best := ClassPlanner
	for _, c := range []Class{ClassDeep, ClassMicro} {
		if scores[c] > scores[best] {
			best = c
		}
	}
	return best, scores[best] / total
}
