package quotaguard

import "math"

// creditUnitUSD is the prepaid credit amount that buys one extra base
// limit of burst allowance.
const creditUnitUSD = 10.0

// EffectiveLimit derives the adaptive limit for a window whose static limit
// is baseLimit. Bursting only happens when autoscale is on and the operation
// is healthy; otherwise the base limit is the safe floor.
func EffectiveLimit(p Policy, baseLimit int64, h Health) int64 {
	if !p.AutoScaleEnabled {
		return baseLimit
	}
	if !Healthy(p, h) {
		return baseLimit
	}
	return BurstCeiling(p, baseLimit)
}

// BurstCeiling returns min(multiplier*base, base+creditBonus), where
// creditBonus = floor(credits/10 * base).
func BurstCeiling(p Policy, baseLimit int64) int64 {
	if baseLimit <= 0 {
		return baseLimit
	}
	if !finite(p.Multiplier()) || !finite(p.PrepaidCreditsUSD) {
		return baseLimit
	}
	base := float64(baseLimit)
	creditBonus := math.Floor(p.PrepaidCreditsUSD / creditUnitUSD * base)
	ceiling := math.Min(math.Floor(p.Multiplier()*base), base+creditBonus)
	if ceiling >= float64(math.MaxInt64) {
		return math.MaxInt64
	}
	if ceiling < base {
		return baseLimit
	}
	return int64(ceiling)
}

// Healthy reports whether h is within the policy's latency and error-rate
// thresholds. Non-finite signals are unknown health and count as unhealthy.
func Healthy(p Policy, h Health) bool {
	if !finite(h.P95LatencyMs) || !finite(h.ErrorRate) {
		return false
	}
	if h.P95LatencyMs > p.P95LatencyThresholdMs {
		return false
	}
	if h.ErrorRate > p.ErrorRateThreshold {
		return false
	}
	return true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
