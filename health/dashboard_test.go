package health

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dskow/resilience-core/alert"
	"github.com/dskow/resilience-core/circuitbreaker"
	"github.com/dskow/resilience-core/degradation"
	"github.com/dskow/resilience-core/ratelimit"
)

func tripBreaker(t *testing.T, reg *circuitbreaker.Registry, name string, tier circuitbreaker.ServiceTier) {
	t.Helper()
	require.NoError(t, reg.Register(circuitbreaker.Config{
		Name:             name,
		FailureThreshold: 1,
		ServiceTier:      tier,
	}))
	require.Error(t, reg.Do(context.Background(), name, "ping", func(context.Context) error {
		return errors.New("down")
	}))
}

func TestDashboardSnapshot_Healthy(t *testing.T) {
	reg := circuitbreaker.NewRegistry(slog.Default(), alert.Nop{})
	require.NoError(t, reg.Register(circuitbreaker.Config{Name: "db"}))

	o, _ := newTestOrchestrator(t, reg, nil)
	require.NoError(t, o.RegisterDependency("db", healthyProbe))
	o.RunHealthChecks(context.Background())

	snap := o.DashboardSnapshot()
	require.Equal(t, OverallHealthy, snap.Overall)
	require.Len(t, snap.Breakers, 1)
	require.Equal(t, StatusHealthy, snap.Checks["db"].Status)
	require.Empty(t, snap.OpenIncidents)
	require.False(t, snap.GeneratedAt.IsZero())
}

func TestDashboardSnapshot_CriticalBreakerOpen(t *testing.T) {
	reg := circuitbreaker.NewRegistry(slog.Default(), alert.Nop{})
	tripBreaker(t, reg, "payments", circuitbreaker.TierCritical)

	o, _ := newTestOrchestrator(t, reg, nil)
	snap := o.DashboardSnapshot()
	require.Equal(t, OverallCritical, snap.Overall)
}

func TestDashboardSnapshot_HighTierBreakerOpen(t *testing.T) {
	reg := circuitbreaker.NewRegistry(slog.Default(), alert.Nop{})
	tripBreaker(t, reg, "search", circuitbreaker.TierHigh)

	o, _ := newTestOrchestrator(t, reg, nil)
	snap := o.DashboardSnapshot()
	require.Equal(t, OverallDegraded, snap.Overall)
}

func TestDashboardSnapshot_MediumTierBreakerStaysHealthy(t *testing.T) {
	reg := circuitbreaker.NewRegistry(slog.Default(), alert.Nop{})
	tripBreaker(t, reg, "newsletter", circuitbreaker.TierMedium)

	o, _ := newTestOrchestrator(t, reg, nil)
	snap := o.DashboardSnapshot()
	require.Equal(t, OverallHealthy, snap.Overall,
		"low-stakes breakers do not lower the overall status")
}

func TestDashboardSnapshot_HighImpactDegradation(t *testing.T) {
	reg := circuitbreaker.NewRegistry(slog.Default(), alert.Nop{})

	engine := degradation.NewEngine(time.Minute, slog.Default())
	engine.RegisterCondition("always", func() bool { return true })
	require.NoError(t, engine.AddRule(degradation.Rule{
		Feature:        "online-booking",
		Fallback:       "phone-banner",
		Triggers:       []string{"always"},
		BusinessImpact: "high",
	}))
	engine.EvaluateAll()

	o := New(reg, nil, engine, alert.Nop{}, Options{}, slog.Default())
	snap := o.DashboardSnapshot()
	require.Equal(t, OverallDegraded, snap.Overall)
	require.Len(t, snap.ActiveDegradations, 1)
	require.Equal(t, "online-booking", snap.ActiveDegradations[0].Feature)
}

func TestDashboardSnapshot_RateLimitRejections(t *testing.T) {
	reg := circuitbreaker.NewRegistry(slog.Default(), alert.Nop{})

	limiter, err := ratelimit.New([]ratelimit.Config{
		{Name: "api", RequestsPerMinute: 1},
	}, ratelimit.Options{}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(limiter.Stop)

	limiter.Allow("api", "c", ratelimit.TierUnknown, ratelimit.RegionOther)
	limiter.Allow("api", "c", ratelimit.TierUnknown, ratelimit.RegionOther)

	o := New(reg, limiter, nil, alert.Nop{}, Options{}, slog.Default())
	snap := o.DashboardSnapshot()
	require.Equal(t, uint64(1), snap.RateLimitRejections["api"])
}

func TestDashboardSnapshot_OpenIncidentsIncluded(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, nil)
	require.NoError(t, o.RegisterDependency("db", func(context.Context) error {
		return errors.New("down")
	}))
	o.RunHealthChecks(context.Background())
	o.DetectIncidents()

	snap := o.DashboardSnapshot()
	require.Len(t, snap.OpenIncidents, 1)
}
