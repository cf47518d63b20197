package cache

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "HEJ Alice", "hej alice"},
		{"whitespace collapse", "  boka   ett\tmöte \n", "boka ett möte"},
		{"curly quotes", "säg “hej” till ‘Anna’", `säg "hej" till 'anna'`},
		{"polite prefix", "kan du boka ett möte", "boka ett möte"},
		{"polite suffix", "boka ett möte tack", "boka ett möte"},
		{"stacked affixes", "snälla kan du boka ett möte tack", "boka ett möte"},
		{"nfkc compat", "ﬁka kl ①", "fika kl 1"},
		{"only politeness", "tack", ""},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Canonicalize(tc.in))
		})
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("canonicalize is idempotent", prop.ForAll(
		func(s string) bool {
			once := Canonicalize(s)
			return Canonicalize(once) == once
		},
		gen.AnyString(),
	))
	properties.TestingRun(t)
}

func TestExactKeyDeterministic(t *testing.T) {
	properties := gopter.NewProperties(nil)
	now := time.Now()
	properties.Property("exact key is stable within a bucket", prop.ForAll(
		func(intent, text string) bool {
			a := ExactKey("v4", "micro-1", intent, text, "", now)
			b := ExactKey("v4", "micro-1", intent, text, "", now.Add(time.Millisecond))
			return a == b
		},
		gen.AlphaString(),
		gen.AnyString(),
	))
	properties.TestingRun(t)
}

func TestExactKeyVariesByBucket(t *testing.T) {
	now := time.Unix(1000000000, 0)
	a := ExactKey("v4", "micro-1", "greeting.hello", "hej", "", now)
	b := ExactKey("v4", "micro-1", "greeting.hello", "hej", "", now.Add(bucketSeconds*time.Second))
	assert.NotEqual(t, a, b)
}

func TestExactKeyVariesByInputs(t *testing.T) {
	now := time.Now()
	base := ExactKey("v4", "micro-1", "greeting.hello", "hej", "", now)
	assert.NotEqual(t, base, ExactKey("v3", "micro-1", "greeting.hello", "hej", "", now))
	assert.NotEqual(t, base, ExactKey("v4", "planner-1", "greeting.hello", "hej", "", now))
	assert.NotEqual(t, base, ExactKey("v4", "micro-1", "weather.lookup", "hej", "", now))
	assert.NotEqual(t, base, ExactKey("v4", "micro-1", "greeting.hello", "hej då", "", now))
}

func TestExactKeyIgnoresPoliteness(t *testing.T) {
	now := time.Now()
	a := ExactKey("v4", "micro-1", "calendar", "boka ett möte", "", now)
	b := ExactKey("v4", "micro-1", "calendar", "kan du BOKA   ett möte tack", "", now)
	assert.Equal(t, a, b)
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, Jaccard("boka möte imorgon", "boka möte imorgon"))
	assert.Equal(t, 1.0, Jaccard("", ""))
	assert.Equal(t, 0.0, Jaccard("hej", ""))
	assert.Equal(t, 0.0, Jaccard("hej", "boka möte"))
	// 3 shared of 4 distinct tokens.
	assert.InDelta(t, 0.75, Jaccard("boka möte imorgon", "boka möte idag imorgon"), 1e-9)
}

func TestLengthBucket(t *testing.T) {
	assert.Equal(t, "short", LengthBucket("hej"))
	assert.Equal(t, "medium", LengthBucket("boka ett möte med anna på torsdag"))
	assert.Equal(t, "long", LengthBucket(string(make([]rune, 200))))
}
