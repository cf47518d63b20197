package orchestrator

import (
	"regexp"
	"strings"
)

// Security modes. STRICT is set when the injection-suspicion score crosses
// the threshold; in enforce mode a STRICT request with a high-risk intent is
// short-circuited with a confirmation card instead of being executed.
const (
	securityModeNormal = "NORMAL"
	securityModeStrict = "STRICT"
)

// injectionPatterns is the cheap suspicion list. Each match adds one to the
// score; the patterns target instruction-override phrasing, not content.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous`),
	regexp.MustCompile(`(?i)disable\s+safety`),
	regexp.MustCompile(`(?i)\boverride\b`),
	regexp.MustCompile(`(?i)run\s+tool`),
	regexp.MustCompile(`(?i)execute\s+command`),
	regexp.MustCompile(`(?i)system\s+prompt`),
	regexp.MustCompile(`(?i)ignorera\s+(alla\s+)?tidigare`),
	regexp.MustCompile(`(?i)stäng\s+av\s+säkerhet`),
}

const injectionThreshold = 2

// highRiskIntents are the intents that get a confirmation card under STRICT
// enforcement: anything that drafts outbound content or mutates memory.
var highRiskIntents = map[string]bool{
	"email.create":    true,
	"memory.store":    true,
	"memory.forget":   true,
	"calendar.create": true,
}

// injectionScore counts suspicion-pattern matches over the user text plus
// any retrieved context strings.
func injectionScore(text string, contextValues []string) int {
	score := 0
	for _, re := range injectionPatterns {
		if re.MatchString(text) {
			score++
		}
		for _, v := range contextValues {
			if re.MatchString(v) {
				score++
			}
		}
	}
	return score
}

// securityMode maps a score to the mode.
func securityMode(score int) string {
	if score >= injectionThreshold {
		return securityModeStrict
	}
	return securityModeNormal
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`(\+46|0)[\s\-]?7[\s\-]?[\d][\s\-\d]{6,}`)
	pnrPattern   = regexp.MustCompile(`\b(19|20)?\d{6}[\-+]\d{4}\b`)
)

// maskPII replaces email addresses, Swedish phone numbers and personal
// identity numbers before text is persisted to the turn log. Returns the
// masked text and whether anything was replaced.
func maskPII(text string) (string, bool) {
	masked := emailPattern.ReplaceAllString(text, "[EMAIL]")
	masked = pnrPattern.ReplaceAllString(masked, "[PNR]")
	masked = phonePattern.ReplaceAllString(masked, "[PHONE]")
	return masked, masked != text
}

// contextStrings flattens the request context values for scanning.
func contextStrings(ctx map[string]any) []string {
	if len(ctx) == 0 {
		return nil
	}
	out := make([]string, 0, len(ctx))
	for _, v := range ctx {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
