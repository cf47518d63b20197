package nlu

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielWarg/AliceV2-sub000/breaker"
	"github.com/DanielWarg/AliceV2-sub000/router"
)

func testBreaker() *breaker.Breaker {
	return breaker.New("nlu_service", breaker.Config{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		CallTimeout:      time.Second,
	})
}

func TestParseRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/nlu/parse", r.URL.Path)
		w.Write([]byte(`{
			"intent": {"label": "calendar.create", "confidence": 0.91, "validated": true},
			"slots": {"when": "imorgon"},
			"route_hint": "planner"
		}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Breaker: testBreaker()})
	p := c.Parse(context.Background(), "boka möte imorgon", "sv", "s1")

	assert.Equal(t, "calendar.create", p.Intent)
	assert.Equal(t, 0.91, p.Confidence)
	assert.True(t, p.Validated)
	assert.Equal(t, router.ClassPlanner, p.RouteHint)
	assert.Equal(t, SourceRemote, p.Source)
	assert.Equal(t, "imorgon", p.Slots["when"])
}

func TestParseFallsOpenOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: 80 * time.Millisecond, Breaker: testBreaker()})
	start := time.Now()
	p := c.Parse(context.Background(), "Hej!", "sv", "s1")

	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, "greeting.hello", p.Intent)
	assert.Equal(t, router.ClassMicro, p.RouteHint)
	assert.Equal(t, SourceFallback, p.Source)
}

func TestParseFallsOpenOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Breaker: testBreaker()})
	p := c.Parse(context.Background(), "boka möte", "sv", "s1")
	assert.Equal(t, SourceFallback, p.Source)
	assert.Equal(t, "calendar.create", p.Intent)
}

func TestParseFallbackOnlyWithoutBaseURL(t *testing.T) {
	c := NewClient(Options{})
	p := c.Parse(context.Background(), "vad är klockan?", "sv", "s1")
	assert.Equal(t, "time.now", p.Intent)
	assert.Equal(t, SourceFallback, p.Source)
}

func TestFallbackRules(t *testing.T) {
	cases := []struct {
		text   string
		intent string
		hint   router.Class
	}{
		{"Hej!", "greeting.hello", router.ClassMicro},
		{"vad är klockan?", "time.now", router.ClassMicro},
		{"hur blir vädret idag?", "weather.lookup", router.ClassMicro},
		{"boka ett möte med Anna", "calendar.create", router.ClassPlanner},
		{"skicka ett mejl till chefen", "email.create", router.ClassPlanner},
		{"kom ihåg att jag gillar kaffe", "memory.store", router.ClassMicro},
		{"förklara varför det regnar", "analysis.request", router.ClassDeep},
		{"zzz qqq", "unknown", router.ClassPlanner},
	}
	for _, tc := range cases {
		p := Fallback(tc.text)
		assert.Equal(t, tc.intent, p.Intent, tc.text)
		assert.Equal(t, tc.hint, p.RouteHint, tc.text)
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := breaker.New("nlu_service", breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Minute, CallTimeout: time.Second})
	c := NewClient(Options{BaseURL: srv.URL, Breaker: b})
	for i := 0; i < 3; i++ {
		c.Parse(context.Background(), "boka möte", "sv", "s1")
	}
	assert.Equal(t, "open", b.State())
}
