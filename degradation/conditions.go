package degradation

import (
	"time"

	"github.com/dskow/resilience-core/circuitbreaker"
)

// AnyBreakerOpen is true when any registered breaker is open.
func AnyBreakerOpen(reg *circuitbreaker.Registry) ConditionFunc {
	return func() bool {
		for _, s := range reg.Stats() {
			if s.State == circuitbreaker.StateOpen {
				return true
			}
		}
		return false
	}
}

// TierBreakerOpen is true when any breaker of at least the given tier is
// open. TierBreakerOpen(reg, TierCritical) matches only critical-tier
// dependencies.
func TierBreakerOpen(reg *circuitbreaker.Registry, tier circuitbreaker.ServiceTier) ConditionFunc {
	return func() bool {
		for _, s := range reg.Stats() {
			if s.State == circuitbreaker.StateOpen && s.Tier >= tier {
				return true
			}
		}
		return false
	}
}

// SlowDependencies is true when at least minDeps dependencies show a mean
// latency above threshold, computed over rolling windows holding at least
// minSamples outcomes.
func SlowDependencies(reg *circuitbreaker.Registry, minDeps int, threshold time.Duration, minSamples int) ConditionFunc {
	return func() bool {
		slow := 0
		for _, s := range reg.Stats() {
			if s.WindowCount >= minSamples && s.MeanLatency > threshold {
				slow++
			}
		}
		return slow >= minDeps
	}
}
