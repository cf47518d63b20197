// Package cache implements the multi-tier response cache: deterministic text
// canonicalization, exact and semantic keys, a negative tier for known
// failures and a pattern tier for prewarmed intents, all backed by Redis.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// politeAffixes are stripped from the start and end of canonical text so
// courtesy phrasing does not fragment the cache. Matching is repeated to a
// fixpoint, which keeps canonicalization idempotent.
var politeAffixes = []string{
	"snälla",
	"tack på förhand",
	"tack",
	"kan du",
	"skulle du kunna",
	"var snäll och",
	"please",
	"could you",
	"can you",
	"thank you",
	"thanks",
}

var quoteReplacer = strings.NewReplacer(
	"‘", "'", "’", "'", "‚", "'", "‛", "'",
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`,
)

// Canonicalize normalizes text for cache keying: Unicode NFKC, lowercase,
// straight quotes, collapsed whitespace and polite affix removal. It is
// idempotent: Canonicalize(Canonicalize(s)) == Canonicalize(s).
func Canonicalize(text string) string {
	s := norm.NFKC.String(text)
	s = strings.ToLower(s)
	s = quoteReplacer.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	s = stripAffixes(s)
	return s
}

func stripAffixes(s string) string {
	for {
		before := s
		for _, affix := range politeAffixes {
			if strings.HasPrefix(s, affix+" ") {
				s = strings.TrimPrefix(s, affix+" ")
			}
			if strings.HasSuffix(s, " "+affix) {
				s = strings.TrimSuffix(s, " "+affix)
			}
			if s == affix {
				s = ""
			}
		}
		s = strings.Trim(s, " ")
		if s == before {
			return s
		}
	}
}

// bucketSeconds is the exact-key time bucket width. Entries in neighboring
// buckets never collide, which bounds staleness for time-sensitive intents.
const bucketSeconds = 300

// ExactKey derives the deterministic L1 key. The key depends only on the
// schema version, model, intent, the current 5-minute bucket and the
// canonicalized text and facts.
func ExactKey(schemaVersion, modelID, intent, text, facts string, now time.Time) string {
	bucket := now.Unix() / bucketSeconds
	material := fmt.Sprintf("%s|%s|%s|%d|%s|%s",
		schemaVersion, modelID, intent, bucket, Canonicalize(text), Canonicalize(facts))
	sum := sha256.Sum256([]byte(material))
	return "l1:" + hex.EncodeToString(sum[:16])
}

// ShortHash returns the truncated content hash used by the semantic and
// negative tiers.
func ShortHash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:6])
}

// SemanticKey derives the L2 key namespaced by intent.
func SemanticKey(intent, canonical string) string {
	return "l2:" + intent + ":" + ShortHash(canonical)
}

// NegativeKey derives the negative-tier key.
func NegativeKey(canonical string) string {
	return "neg:" + ShortHash(canonical)
}

// PatternKey derives the pattern-tier key from intent and length bucket.
func PatternKey(intent, lengthBucket string) string {
	return "pattern:" + intent + ":" + lengthBucket
}

// LengthBucket maps text length onto the coarse buckets the pattern tier is
// keyed by.
func LengthBucket(text string) string {
	n := len([]rune(text))
	switch {
	case n <= 20:
		return "short"
	case n <= 120:
		return "medium"
	default:
		return "long"
	}
}

// Jaccard computes token-set similarity between two canonical strings in
// [0,1]. Empty inputs are only similar to other empty inputs.
func Jaccard(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	intersection := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
