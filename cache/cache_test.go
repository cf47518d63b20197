package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, Config{}), mr
}

func TestGetMissOnEmptyCache(t *testing.T) {
	s, _ := newTestStore(t)
	res := s.Get(context.Background(), "greeting.hello", "hej", "micro-1", "v4")
	assert.False(t, res.Hit)
	assert.Empty(t, res.Source)
	assert.Equal(t, int64(1), s.Stats().Misses)
}

func TestSetThenExactHit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "greeting.hello", "Hej", `{"text":"Hej! Vad kan jag göra för dig?"}`, "micro-1", "v4", 0)

	res := s.Get(ctx, "greeting.hello", "Hej", "micro-1", "v4")
	require.True(t, res.Hit)
	assert.Equal(t, SourceExact, res.Source)
	assert.Contains(t, res.Payload, "Hej!")
	assert.Equal(t, int64(1), s.Stats().L1Hits)
}

func TestSemanticHitWithinIntent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "calendar", "boka möte med anna imorgon", `{"text":"Möte bokat."}`, "planner-1", "v4", 0)

	// Different surface form, same token set plus one extra word: Jaccard 4/5
	// is below the 0.85 default, so first check a near-identical phrasing.
	res := s.Get(ctx, "calendar", "Boka möte med Anna imorgon", "planner-1", "v4")
	require.True(t, res.Hit)

	// Exact tier cannot serve a different model; semantic still can.
	res = s.Get(ctx, "calendar", "boka möte med anna imorgon tack", "planner-2", "v4")
	require.True(t, res.Hit)
	assert.Equal(t, SourceSemantic, res.Source)
	assert.Contains(t, res.Payload, "Möte bokat")
}

func TestSemanticMissAcrossIntents(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "calendar", "boka möte med anna", `{"text":"ok"}`, "planner-1", "v4", 0)
	res := s.Get(ctx, "email.create", "boka möte med anna tack", "planner-2", "v4")
	assert.False(t, res.Hit)
}

func TestSemanticBelowThresholdMisses(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "calendar", "boka möte med anna på kontoret", `{"text":"ok"}`, "planner-1", "v4", 0)
	res := s.Get(ctx, "calendar", "avboka alla möten hela veckan", "planner-2", "v4")
	assert.False(t, res.Hit)
}

func TestNegativeTier(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	s.SetNegative(ctx, "visa kalendern", "calendar", 0)
	res := s.Get(ctx, "calendar", "visa kalendern", "planner-1", "v4")
	require.True(t, res.Hit)
	assert.Equal(t, SourceNegative, res.Source)
	assert.Equal(t, NegativePayload, res.Payload)

	// Marker expires after its short TTL.
	mr.FastForward(2 * time.Minute)
	res = s.Get(ctx, "calendar", "visa kalendern", "planner-1", "v4")
	assert.False(t, res.Hit)
}

func TestPatternTier(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SetPattern(ctx, "weather.lookup", "short", `{"text":"Soligt, 18 grader."}`, 0)
	res := s.Get(ctx, "weather.lookup", "vädret?", "micro-1", "v4")
	require.True(t, res.Hit)
	assert.Equal(t, SourcePattern, res.Source)
}

func TestTTLExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "greeting.hello", "hej", `{"text":"Hej!"}`, "micro-1", "v4", 30*time.Second)
	mr.FastForward(time.Minute)

	// Both representations are gone. The exact key may also have rotated into
	// a new time bucket, which is an independent reason for the miss.
	res := s.Get(ctx, "greeting.hello", "hej", "micro-1", "v4")
	assert.False(t, res.Hit)
}

func TestInvalidateByIntent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "calendar", "boka möte", `{"text":"ok"}`, "planner-1", "v4", 0)
	s.Set(ctx, "weather.lookup", "vädret", `{"text":"sol"}`, "micro-1", "v4", 0)

	removed := s.InvalidateByIntent(ctx, "calendar")
	assert.Equal(t, 2, removed) // exact + semantic

	assert.False(t, s.Get(ctx, "calendar", "boka möte", "planner-1", "v4").Hit)
	assert.True(t, s.Get(ctx, "weather.lookup", "vädret", "micro-1", "v4").Hit)
}

func TestInvalidateBySchemaVersion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "calendar", "boka möte", `{"text":"ok"}`, "planner-1", "v4", 0)
	removed := s.InvalidateBySchemaVersion(ctx, "v4")
	assert.Equal(t, 2, removed)
	assert.False(t, s.Get(ctx, "calendar", "boka möte", "planner-1", "v4").Hit)
}

func TestCacheErrorsTreatedAsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(rdb, Config{})
	mr.Close()

	res := s.Get(context.Background(), "greeting.hello", "hej", "micro-1", "v4")
	assert.False(t, res.Hit)
	assert.Greater(t, s.Stats().Errors, int64(0))

	// Writes must not panic or propagate either.
	s.Set(context.Background(), "greeting.hello", "hej", `{"text":"Hej!"}`, "micro-1", "v4", 0)
	s.SetNegative(context.Background(), "hej", "greeting.hello", 0)
}
