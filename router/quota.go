package router

import (
	"sync"
	"time"
)

type (
	// Quota tracks recent routing decisions in a bounded sliding window and
	// answers per-class share queries. A single Quota is shared process-wide
	// and guarded by a mutex; Record and Share are cheap enough to sit on the
	// hot path.
	Quota struct {
		mu       sync.Mutex
		events   []quotaEvent
		maxCount int
		maxAge   time.Duration
		now      func() time.Time
	}

	quotaEvent struct {
		ts    time.Time
		class Class
	}
)

// minQuotaEvents is the minimum window population before quota enforcement
// kicks in; shares over fewer decisions are too noisy to act on.
const minQuotaEvents = 10

// NewQuota constructs a tracker capped at maxCount events and maxAge of
// history. Defaults: 200 events, 5 minutes.
func NewQuota(maxCount int, maxAge time.Duration) *Quota {
	if maxCount <= 0 {
		maxCount = 200
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Quota{maxCount: maxCount, maxAge: maxAge, now: time.Now}
}

// Record appends a routing decision to the window, evicting expired and
// overflow entries.
func (q *Quota) Record(class Class) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, quotaEvent{ts: q.now(), class: class})
	q.evictLocked()
}

// Share returns class's fraction of the current window, or 0 when the window
// is empty.
func (q *Quota) Share(class Class) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked()
	if len(q.events) == 0 {
		return 0
	}
	n := 0
	for _, e := range q.events {
		if e.class == class {
			n++
		}
	}
	return float64(n) / float64(len(q.events))
}

// IsExceeded reports whether routing the next decision to class would push
// its share of the window past maxShare. The prospective decision counts
// toward the window, so a run of nine class decisions already gates the
// tenth. Windows that would still hold fewer than ten decisions never report
// exceeded.
func (q *Quota) IsExceeded(class Class, maxShare float64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked()
	total := len(q.events) + 1
	if total < minQuotaEvents {
		return false
	}
	n := 1
	for _, e := range q.events {
		if e.class == class {
			n++
		}
	}
	return float64(n)/float64(total) > maxShare
}

// Counts returns the per-class decision counts in the current window for the
// monitoring endpoints.
func (q *Quota) Counts() map[Class]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked()
	counts := make(map[Class]int, 4)
	for _, e := range q.events {
		counts[e.class]++
	}
	return counts
}

func (q *Quota) evictLocked() {
	cutoff := q.now().Add(-q.maxAge)
	start := 0
	for start < len(q.events) && q.events[start].ts.Before(cutoff) {
		start++
	}
	if overflow := len(q.events) - start - q.maxCount; overflow > 0 {
		start += overflow
	}
	if start > 0 {
		q.events = append(q.events[:0], q.events[start:]...)
	}
}
