package quotaguard

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	defaultHealthWindow   = 5 * time.Minute
	defaultHealthMaxItems = 1024
)

// HealthMonitor derives Health signals per operation from observed calls
// over a sliding window. Its output is meant to be passed to Check.
type HealthMonitor struct {
	window   time.Duration
	maxItems int
	now      func() time.Time

	mu  sync.Mutex
	ops map[string]*operationHealth
}

type operationHealth struct {
	samples []sample // oldest first
}

type sample struct {
	at      time.Time
	latency time.Duration
	failed  bool
}

// HealthOption configures a HealthMonitor.
type HealthOption func(*HealthMonitor)

// WithHealthWindow sets how far back observations count.
func WithHealthWindow(d time.Duration) HealthOption {
	return func(h *HealthMonitor) { h.window = d }
}

// WithHealthMaxSamples caps the samples kept per operation.
func WithHealthMaxSamples(n int) HealthOption {
	return func(h *HealthMonitor) { h.maxItems = n }
}

// WithHealthClock overrides the monitor's clock.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthMonitor) { h.now = now }
}

// NewHealthMonitor creates a new HealthMonitor.
func NewHealthMonitor(opts ...HealthOption) *HealthMonitor {
	h := &HealthMonitor{
		window:   defaultHealthWindow,
		maxItems: defaultHealthMaxItems,
		now:      time.Now,
		ops:      make(map[string]*operationHealth),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.maxItems <= 0 {
		h.maxItems = defaultHealthMaxItems
	}
	return h
}

// Observe records one call of an operation. A non-nil err counts as a failure.
func (h *HealthMonitor) Observe(op string, latency time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	oh, ok := h.ops[op]
	if !ok {
		oh = &operationHealth{}
		h.ops[op] = oh
	}
	now := h.now()
	oh.prune(now.Add(-h.window))
	oh.samples = append(oh.samples, sample{at: now, latency: latency, failed: err != nil})
	if over := len(oh.samples) - h.maxItems; over > 0 {
		oh.samples = oh.samples[over:]
	}
}

// Signal returns the p95 latency and error rate of op over the window.
// Operations without observations report a zero Health.
func (h *HealthMonitor) Signal(op string) Health {
	h.mu.Lock()
	oh, ok := h.ops[op]
	if !ok {
		h.mu.Unlock()
		return Health{}
	}
	oh.prune(h.now().Add(-h.window))
	samples := append([]sample(nil), oh.samples...)
	h.mu.Unlock()

	if len(samples) == 0 {
		return Health{}
	}

	latencies := make([]float64, len(samples))
	var failed int
	for i, s := range samples {
		latencies[i] = float64(s.latency) / float64(time.Millisecond)
		if s.failed {
			failed++
		}
	}
	sort.Float64s(latencies)

	// Nearest-rank percentile.
	rank := int(math.Ceil(0.95 * float64(len(latencies))))
	return Health{
		P95LatencyMs: latencies[rank-1],
		ErrorRate:    float64(failed) / float64(len(samples)),
	}
}

// Reset drops all observations for op.
func (h *HealthMonitor) Reset(op string) {
	h.mu.Lock()
	delete(h.ops, op)
	h.mu.Unlock()
}

func (oh *operationHealth) prune(cutoff time.Time) {
	i := 0
	for i < len(oh.samples) && !oh.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		oh.samples = append(oh.samples[:0], oh.samples[i:]...)
	}
}
