package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
)

type (
	// Store is the Redis-backed multi-tier cache. Reads traverse tiers in
	// ascending cost order (exact, semantic, negative, pattern) and stop on
	// the first hit. All Redis failures are swallowed: reads degrade to
	// misses and writes are best-effort, so a broken cache can slow the
	// pipeline down but never break it.
	Store struct {
		rdb    *redis.Client
		cfg    Config
		hits   map[string]*atomic.Int64
		misses atomic.Int64
		errors atomic.Int64
	}

	// Config tunes tier TTLs and the semantic matcher.
	Config struct {
		// ExactTTL is the L1 lifetime. Defaults to 5 minutes.
		ExactTTL time.Duration
		// SemanticTTL is the L2 lifetime. Defaults to 5 minutes.
		SemanticTTL time.Duration
		// NegativeTTL is the failure-marker lifetime. Defaults to 1 minute.
		NegativeTTL time.Duration
		// PatternTTL is the prewarmed pattern lifetime. Defaults to 15 minutes.
		PatternTTL time.Duration
		// SemanticThreshold is the minimum Jaccard similarity for an L2 hit.
		// Defaults to 0.85, tuned for precision over recall.
		SemanticThreshold float64
		// SemanticScanCap bounds the number of L2 candidates examined per
		// lookup. Defaults to 10.
		SemanticScanCap int
	}

	// Result is a cache lookup outcome. Source identifies the serving tier
	// for telemetry ("l1_exact", "l2_semantic", "negative", "pattern") and is
	// empty on a miss.
	Result struct {
		Hit     bool
		Payload string
		Source  string
		Latency time.Duration
	}

	// Stats is a hit-counter snapshot for the monitoring endpoints.
	Stats struct {
		L1Hits       int64 `json:"l1_hits"`
		L2Hits       int64 `json:"l2_hits"`
		NegativeHits int64 `json:"negative_hits"`
		PatternHits  int64 `json:"pattern_hits"`
		Misses       int64 `json:"misses"`
		Errors       int64 `json:"errors"`
	}
)

// Tier source identifiers recorded on turn events.
const (
	SourceExact    = "l1_exact"
	SourceSemantic = "l2_semantic"
	SourceNegative = "negative"
	SourcePattern  = "pattern"
)

// NegativePayload is the fixed apologetic response served from the negative
// tier while a recent failure marker is live.
const NegativePayload = `{"text":"Tyvärr, jag kunde inte hjälpa till med det nyss. Försök gärna igen om en liten stund."}`

// New constructs a Store over the given Redis client, applying defaults for
// zero-value config fields.
func New(rdb *redis.Client, cfg Config) *Store {
	if cfg.ExactTTL <= 0 {
		cfg.ExactTTL = 5 * time.Minute
	}
	if cfg.SemanticTTL <= 0 {
		cfg.SemanticTTL = 5 * time.Minute
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = time.Minute
	}
	if cfg.PatternTTL <= 0 {
		cfg.PatternTTL = 15 * time.Minute
	}
	if cfg.SemanticThreshold <= 0 {
		cfg.SemanticThreshold = 0.85
	}
	if cfg.SemanticScanCap <= 0 {
		cfg.SemanticScanCap = 10
	}
	hits := make(map[string]*atomic.Int64, 4)
	for _, src := range []string{SourceExact, SourceSemantic, SourceNegative, SourcePattern} {
		hits[src] = &atomic.Int64{}
	}
	return &Store{rdb: rdb, cfg: cfg, hits: hits}
}

// Get attempts L1 exact, L2 semantic, negative and pattern tiers in order and
// returns the first hit. Cache errors count as misses.
func (s *Store) Get(ctx context.Context, intent, text, modelID, schemaVersion string) Result {
	start := time.Now()
	canonical := Canonicalize(text)

	if payload, ok := s.get(ctx, ExactKey(schemaVersion, modelID, intent, text, "", start)); ok {
		return s.hit(SourceExact, payload, start)
	}
	if payload, ok := s.semanticLookup(ctx, intent, canonical); ok {
		return s.hit(SourceSemantic, payload, start)
	}
	if _, ok := s.get(ctx, NegativeKey(canonical)); ok {
		return s.hit(SourceNegative, NegativePayload, start)
	}
	if payload, ok := s.get(ctx, PatternKey(intent, LengthBucket(text))); ok {
		return s.hit(SourcePattern, payload, start)
	}

	s.misses.Add(1)
	return Result{Latency: time.Since(start)}
}

func (s *Store) hit(source, payload string, start time.Time) Result {
	s.hits[source].Add(1)
	return Result{Hit: true, Payload: payload, Source: source, Latency: time.Since(start)}
}

func (s *Store) get(ctx context.Context, key string) (string, bool) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.errors.Add(1)
		}
		return "", false
	}
	return val, true
}

// semanticLookup scans at most SemanticScanCap L2 records in the intent
// namespace and returns the stored payload of the first candidate whose
// canonical text clears the Jaccard threshold.
func (s *Store) semanticLookup(ctx context.Context, intent, canonical string) (string, bool) {
	pattern := "l2:" + intent + ":*"
	keys, _, err := s.rdb.Scan(ctx, 0, pattern, int64(s.cfg.SemanticScanCap)).Result()
	if err != nil {
		s.errors.Add(1)
		return "", false
	}
	if len(keys) > s.cfg.SemanticScanCap {
		keys = keys[:s.cfg.SemanticScanCap]
	}
	for _, key := range keys {
		fields, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			s.errors.Add(1)
			continue
		}
		stored, ok := fields["canonical_text"]
		if !ok {
			continue
		}
		if Jaccard(canonical, stored) >= s.cfg.SemanticThreshold {
			return fields["payload"], true
		}
	}
	return "", false
}

// Set writes the payload to the exact and semantic tiers and registers both
// keys under the intent and schema-version tags. ttl <= 0 uses the tier
// defaults. Failures are logged and swallowed.
func (s *Store) Set(ctx context.Context, intent, text, payload, modelID, schemaVersion string, ttl time.Duration) {
	exactTTL := ttl
	if exactTTL <= 0 {
		exactTTL = s.cfg.ExactTTL
	}
	semanticTTL := ttl
	if semanticTTL <= 0 {
		semanticTTL = s.cfg.SemanticTTL
	}
	canonical := Canonicalize(text)
	exactKey := ExactKey(schemaVersion, modelID, intent, text, "", time.Now())
	semKey := SemanticKey(intent, canonical)

	if err := s.rdb.Set(ctx, exactKey, payload, exactTTL).Err(); err != nil {
		s.writeFailed(ctx, exactKey, err)
	}
	fields := map[string]any{
		"payload":        payload,
		"canonical_text": canonical,
		"original_text":  text,
		"intent":         intent,
		"model_id":       modelID,
		"schema_version": schemaVersion,
		"created_at":     time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.rdb.HSet(ctx, semKey, fields).Err(); err != nil {
		s.writeFailed(ctx, semKey, err)
	} else if err := s.rdb.Expire(ctx, semKey, semanticTTL).Err(); err != nil {
		s.writeFailed(ctx, semKey, err)
	}
	s.tag(ctx, "tag:intent:"+intent, exactKey, semKey)
	s.tag(ctx, "tag:schema:"+schemaVersion, exactKey, semKey)
}

// SetNegative marks the canonical text as recently failed so repeat requests
// get the fixed apology instead of hammering a failing driver.
func (s *Store) SetNegative(ctx context.Context, text, intent string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.cfg.NegativeTTL
	}
	key := NegativeKey(Canonicalize(text))
	if err := s.rdb.Set(ctx, key, intent, ttl).Err(); err != nil {
		s.writeFailed(ctx, key, err)
	}
}

// SetPattern prewarms a pattern-tier entry for the intent and length bucket.
func (s *Store) SetPattern(ctx context.Context, intent, lengthBucket, payload string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.cfg.PatternTTL
	}
	key := PatternKey(intent, lengthBucket)
	if err := s.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		s.writeFailed(ctx, key, err)
	}
}

// InvalidateByIntent removes every entry tagged with the intent.
func (s *Store) InvalidateByIntent(ctx context.Context, intent string) int {
	return s.invalidateTag(ctx, "tag:intent:"+intent)
}

// InvalidateBySchemaVersion removes every entry tagged with the schema
// version; used on schema upgrades.
func (s *Store) InvalidateBySchemaVersion(ctx context.Context, version string) int {
	return s.invalidateTag(ctx, "tag:schema:"+version)
}

func (s *Store) invalidateTag(ctx context.Context, tag string) int {
	members, err := s.rdb.SMembers(ctx, tag).Result()
	if err != nil {
		s.errors.Add(1)
		return 0
	}
	removed := 0
	if len(members) > 0 {
		if n, err := s.rdb.Del(ctx, members...).Result(); err == nil {
			removed = int(n)
		} else {
			s.errors.Add(1)
		}
	}
	if err := s.rdb.Del(ctx, tag).Err(); err != nil {
		s.errors.Add(1)
	}
	return removed
}

func (s *Store) tag(ctx context.Context, tag string, keys ...string) {
	members := make([]any, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	if err := s.rdb.SAdd(ctx, tag, members...).Err(); err != nil {
		s.writeFailed(ctx, tag, err)
		return
	}
	// Tag sets outlive their members slightly; an hour keeps them bounded.
	if err := s.rdb.Expire(ctx, tag, time.Hour).Err(); err != nil {
		s.writeFailed(ctx, tag, err)
	}
}

func (s *Store) writeFailed(ctx context.Context, key string, err error) {
	s.errors.Add(1)
	log.Warn(ctx, log.KV{K: "msg", V: "cache write failed"}, log.KV{K: "key", V: key}, log.KV{K: "err", V: err.Error()})
}

// Stats returns the hit/miss counters.
func (s *Store) Stats() Stats {
	return Stats{
		L1Hits:       s.hits[SourceExact].Load(),
		L2Hits:       s.hits[SourceSemantic].Load(),
		NegativeHits: s.hits[SourceNegative].Load(),
		PatternHits:  s.hits[SourcePattern].Load(),
		Misses:       s.misses.Load(),
		Errors:       s.errors.Load(),
	}
}

// Ping reports whether Redis answers, for readiness probes.
func (s *Store) Ping(ctx context.Context) bool {
	return s.rdb.Ping(ctx).Err() == nil
}
