package orchestrator

import (
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the otel instruments the pipeline records into.
type metrics struct {
	requests      metric.Int64Counter
	denied        metric.Int64Counter
	cacheHits     metric.Int64Counter
	confirmations metric.Int64Counter
	latency       metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("alice/orchestrator")
	requests, err := meter.Int64Counter("orchestrator.requests",
		metric.WithDescription("Completed chat requests"))
	if err != nil {
		return nil, err
	}
	denied, err := meter.Int64Counter("orchestrator.admission_denied",
		metric.WithDescription("Requests denied by the health oracle"))
	if err != nil {
		return nil, err
	}
	cacheHits, err := meter.Int64Counter("orchestrator.cache_hits",
		metric.WithDescription("Requests served from the cache"))
	if err != nil {
		return nil, err
	}
	confirmations, err := meter.Int64Counter("orchestrator.security_confirmations",
		metric.WithDescription("High-risk requests held for confirmation"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("orchestrator.latency_ms",
		metric.WithDescription("End-to-end request latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &metrics{
		requests:      requests,
		denied:        denied,
		cacheHits:     cacheHits,
		confirmations: confirmations,
		latency:       latency,
	}, nil
}

// perfWindow keeps the most recent request latencies for the performance
// endpoint. Fixed capacity ring; percentiles are computed on demand.
type perfWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func newPerfWindow(capacity int) *perfWindow {
	return &perfWindow{samples: make([]time.Duration, capacity)}
}

func (w *perfWindow) record(d time.Duration) {
	w.mu.Lock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
	w.mu.Unlock()
}

// snapshot returns count, average and the requested percentiles in ms.
func (w *perfWindow) snapshot() (count int, avgMS float64, p50MS, p95MS float64) {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	live := make([]time.Duration, n)
	copy(live, w.samples[:n])
	w.mu.Unlock()

	if n == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })
	var total time.Duration
	for _, d := range live {
		total += d
	}
	pick := func(p float64) float64 {
		idx := int(p * float64(n-1))
		return float64(live[idx].Microseconds()) / 1000.0
	}
	avg := float64(total.Microseconds()) / float64(n) / 1000.0
	return n, avg, pick(0.50), pick(0.95)
}

// routeCounters tracks executed routes for the routing endpoint.
type routeCounters struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newRouteCounters() *routeCounters {
	return &routeCounters{counts: make(map[string]int64)}
}

func (r *routeCounters) record(route string) {
	r.mu.Lock()
	r.counts[route]++
	r.mu.Unlock()
}

func (r *routeCounters) snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}
