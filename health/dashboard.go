package health

import (
	"time"

	"github.com/dskow/resilience-core/circuitbreaker"
	"github.com/dskow/resilience-core/degradation"
)

// OverallStatus summarizes system health for the operations dashboard.
type OverallStatus int

const (
	OverallHealthy OverallStatus = iota
	OverallDegraded
	OverallCritical
)

func (s OverallStatus) String() string {
	switch s {
	case OverallHealthy:
		return "healthy"
	case OverallDegraded:
		return "degraded"
	case OverallCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view across every resilience subsystem.
type Snapshot struct {
	GeneratedAt         time.Time
	Overall             OverallStatus
	Breakers            []circuitbreaker.Stats
	Checks              map[string]Check
	ActiveDegradations  []degradation.Rule
	RateLimitRejections map[string]uint64
	OpenIncidents       []Incident
}

// DashboardSnapshot assembles the current state of breakers, degradations,
// rate limit rejections, health checks and open incidents.
//
// Overall status rules: any open critical-tier breaker makes the system
// critical; any open high-tier breaker or any active degradation with high
// business impact makes it degraded; otherwise healthy.
func (o *Orchestrator) DashboardSnapshot() Snapshot {
	snap := Snapshot{
		GeneratedAt:   o.now(),
		Breakers:      o.registry.Stats(),
		Checks:        o.Checks(),
		OpenIncidents: o.OpenIncidents(),
	}
	if o.engine != nil {
		snap.ActiveDegradations = o.engine.ActiveRules()
	}
	if o.limiter != nil {
		snap.RateLimitRejections = o.limiter.RejectionCounts()
	}

	snap.Overall = OverallHealthy
	for _, b := range snap.Breakers {
		if b.State != circuitbreaker.StateOpen {
			continue
		}
		if b.Tier == circuitbreaker.TierCritical {
			snap.Overall = OverallCritical
			break
		}
		if b.Tier == circuitbreaker.TierHigh {
			snap.Overall = OverallDegraded
		}
	}
	if snap.Overall == OverallHealthy {
		for _, rule := range snap.ActiveDegradations {
			if rule.BusinessImpact == "high" {
				snap.Overall = OverallDegraded
				break
			}
		}
	}
	return snap
}
