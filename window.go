package quotaguard

import (
	"context"
	"fmt"
	"time"
)

// WindowType is a fixed, clock-aligned interval over which usage is bounded.
type WindowType string

const (
	WindowMinute WindowType = "minute"
	WindowHour   WindowType = "hour"
	WindowDay    WindowType = "day"
)

// Windows lists every window type from smallest to largest.
var Windows = []WindowType{WindowMinute, WindowHour, WindowDay}

// BucketWidth is the width of a stored usage bucket. Hour and day usage is
// summed from minute buckets.
const BucketWidth = time.Minute

// ParseWindowType converts a config string to a WindowType.
func ParseWindowType(s string) (WindowType, error) {
	w := WindowType(s)
	if !w.Valid() {
		return "", fmt.Errorf("quotaguard: unknown window type %q", s)
	}
	return w, nil
}

// Valid reports whether w is a known window type.
func (w WindowType) Valid() bool {
	switch w {
	case WindowMinute, WindowHour, WindowDay:
		return true
	}
	return false
}

// Duration returns the window length.
func (w WindowType) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Start returns the left-aligned boundary of the window containing t, in UTC.
func (w WindowType) Start(t time.Time) time.Time {
	return t.UTC().Truncate(w.Duration())
}

// End returns the exclusive right boundary of the window containing t.
func (w WindowType) End(t time.Time) time.Time {
	return w.Start(t).Add(w.Duration())
}

// WindowUsage is used-vs-limit for one window at evaluation time.
type WindowUsage struct {
	Window  WindowType `json:"window"`
	Used    int64      `json:"used"`
	Limit   int64      `json:"limit"`
	ResetAt time.Time  `json:"reset_at"`
}

// Remaining returns limit-used, never negative.
func (u WindowUsage) Remaining() int64 {
	if u.Used >= u.Limit {
		return 0
	}
	return u.Limit - u.Used
}

// Percentage returns used as a percentage of the limit.
func (u WindowUsage) Percentage() float64 {
	if u.Limit <= 0 {
		if u.Used > 0 {
			return 100
		}
		return 0
	}
	return float64(u.Used) / float64(u.Limit) * 100
}

// Evaluation holds usage for every configured window, smallest first.
type Evaluation struct {
	Windows []WindowUsage
}

// Breached returns the smallest breached window. A window is breached when
// used >= limit, or used > limit when strict is set (the usage already
// includes the request being judged).
func (e Evaluation) Breached(strict bool) (WindowUsage, bool) {
	for _, u := range e.Windows {
		if u.Used > u.Limit || (!strict && u.Used == u.Limit) {
			return u, true
		}
	}
	return WindowUsage{}, false
}

// Tightest returns the window with the least remaining quota.
func (e Evaluation) Tightest() (WindowUsage, bool) {
	var (
		best  WindowUsage
		found bool
	)
	for _, u := range e.Windows {
		if !found || u.Remaining() < best.Remaining() {
			best, found = u, true
		}
	}
	return best, found
}

// WindowEvaluator computes per-window consumption from the ledger.
type WindowEvaluator struct {
	ledger UsageLedger
}

// NewWindowEvaluator creates a WindowEvaluator over ledger.
func NewWindowEvaluator(ledger UsageLedger) *WindowEvaluator {
	return &WindowEvaluator{ledger: ledger}
}

// Evaluate sums usage for each window present in limits. Windows missing
// from limits are unbounded and skipped.
func (e *WindowEvaluator) Evaluate(ctx context.Context, scope Scope, limits map[WindowType]int64, now time.Time) (Evaluation, error) {
	eval := Evaluation{Windows: make([]WindowUsage, 0, len(limits))}
	for _, w := range Windows {
		limit, ok := limits[w]
		if !ok {
			continue
		}
		used, err := e.ledger.SumInWindow(ctx, scope, w, now)
		if err != nil {
			return Evaluation{}, fmt.Errorf("sum %s window: %w", w, err)
		}
		eval.Windows = append(eval.Windows, WindowUsage{
			Window:  w,
			Used:    used,
			Limit:   limit,
			ResetAt: w.End(now),
		})
	}
	return eval, nil
}
