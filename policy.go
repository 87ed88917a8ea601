package quotaguard

import (
	"math"
	"time"
)

// Policy configures the quota for one scope. Nil limits are unbounded.
type Policy struct {
	LimitPerMinute *int64 `yaml:"limit_per_minute,omitempty" json:"limit_per_minute,omitempty"`
	LimitPerHour   *int64 `yaml:"limit_per_hour,omitempty" json:"limit_per_hour,omitempty"`
	LimitPerDay    *int64 `yaml:"limit_per_day,omitempty" json:"limit_per_day,omitempty"`

	// BurstMultiplier caps the burst ceiling at multiplier*base. Zero means 1.
	BurstMultiplier   float64 `yaml:"burst_multiplier,omitempty" json:"burst_multiplier,omitempty"`
	PrepaidCreditsUSD float64 `yaml:"prepaid_credits_usd,omitempty" json:"prepaid_credits_usd,omitempty"`

	P95LatencyThresholdMs float64 `yaml:"p95_latency_threshold_ms,omitempty" json:"p95_latency_threshold_ms,omitempty"`
	ErrorRateThreshold    float64 `yaml:"error_rate_threshold,omitempty" json:"error_rate_threshold,omitempty"`
	AutoScaleEnabled      bool    `yaml:"auto_scale_enabled,omitempty" json:"auto_scale_enabled,omitempty"`

	UpdatedAt time.Time `yaml:"-" json:"updated_at"`
}

// Limit returns the configured limit for a window.
func (p Policy) Limit(w WindowType) (int64, bool) {
	var l *int64
	switch w {
	case WindowMinute:
		l = p.LimitPerMinute
	case WindowHour:
		l = p.LimitPerHour
	case WindowDay:
		l = p.LimitPerDay
	}
	if l == nil {
		return 0, false
	}
	return *l, true
}

// Limits returns the static limit of every configured window.
func (p Policy) Limits() map[WindowType]int64 {
	out := make(map[WindowType]int64, len(Windows))
	for _, w := range Windows {
		if l, ok := p.Limit(w); ok {
			out[w] = l
		}
	}
	return out
}

// Multiplier returns the burst multiplier with the zero value normalised to 1.
func (p Policy) Multiplier() float64 {
	if p.BurstMultiplier < 1 {
		return 1
	}
	return p.BurstMultiplier
}

// Validate checks field ranges. It returns a *PolicyError.
func (p Policy) Validate() error {
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"burst_multiplier", p.BurstMultiplier},
		{"prepaid_credits_usd", p.PrepaidCreditsUSD},
		{"p95_latency_threshold_ms", p.P95LatencyThresholdMs},
		{"error_rate_threshold", p.ErrorRateThreshold},
	} {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return &PolicyError{Field: f.name, Message: "must be a finite number"}
		}
	}
	for _, w := range Windows {
		if l, ok := p.Limit(w); ok && l < 0 {
			return &PolicyError{Field: "limit_per_" + string(w), Message: "must be non-negative"}
		}
	}
	if p.BurstMultiplier != 0 && p.BurstMultiplier < 1 {
		return &PolicyError{Field: "burst_multiplier", Message: "must be at least 1"}
	}
	if p.PrepaidCreditsUSD < 0 {
		return &PolicyError{Field: "prepaid_credits_usd", Message: "must be non-negative"}
	}
	if p.P95LatencyThresholdMs < 0 {
		return &PolicyError{Field: "p95_latency_threshold_ms", Message: "must be non-negative"}
	}
	if p.ErrorRateThreshold < 0 || p.ErrorRateThreshold > 1 {
		return &PolicyError{Field: "error_rate_threshold", Message: "must be within [0, 1]"}
	}
	return nil
}

// Clone returns a deep copy so callers cannot alias stored limits.
func (p Policy) Clone() Policy {
	c := p
	c.LimitPerMinute = clonePtr(p.LimitPerMinute)
	c.LimitPerHour = clonePtr(p.LimitPerHour)
	c.LimitPerDay = clonePtr(p.LimitPerDay)
	return c
}

func clonePtr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// LimitOf returns a pointer to the given limit.
func LimitOf(v int64) *int64 { return &v }
