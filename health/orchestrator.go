package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dskow/resilience-core/alert"
	"github.com/dskow/resilience-core/circuitbreaker"
	"github.com/dskow/resilience-core/degradation"
	"github.com/dskow/resilience-core/metrics"
	"github.com/dskow/resilience-core/ratelimit"
)

// Options tunes the orchestrator's loops and classification thresholds.
type Options struct {
	// CheckInterval is the health-check poll period. Default 30s.
	CheckInterval time.Duration

	// IncidentInterval is the incident-detection period. Default 10s.
	IncidentInterval time.Duration

	// ProbeTimeout bounds each individual probe. Default 5s.
	ProbeTimeout time.Duration

	// DegradedThreshold is the response time above which a successful probe
	// is classified degraded rather than healthy. Default 2s.
	DegradedThreshold time.Duration
}

func (o *Options) applyDefaults() {
	if o.CheckInterval == 0 {
		o.CheckInterval = 30 * time.Second
	}
	if o.IncidentInterval == 0 {
		o.IncidentInterval = 10 * time.Second
	}
	if o.ProbeTimeout == 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.DegradedThreshold == 0 {
		o.DegradedThreshold = 2 * time.Second
	}
}

// Orchestrator polls dependency health, drives proactive breaker recovery,
// and owns the incident records. It exclusively owns all Check and Incident
// state; readers get copies.
type Orchestrator struct {
	mu        sync.Mutex
	probes    map[string]ProbeFunc
	checks    map[string]Check
	meta      map[string]map[string]string
	incidents []*Incident

	registry *circuitbreaker.Registry
	limiter  *ratelimit.Limiter
	engine   *degradation.Engine
	notifier alert.Notifier

	opts   Options
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates an orchestrator wired to the other resilience components.
// limiter and engine may be nil when those subsystems are not in use; the
// dashboard snapshot then omits their sections.
func New(
	registry *circuitbreaker.Registry,
	limiter *ratelimit.Limiter,
	engine *degradation.Engine,
	notifier alert.Notifier,
	opts Options,
	logger *slog.Logger,
) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		probes:   make(map[string]ProbeFunc),
		checks:   make(map[string]Check),
		meta:     make(map[string]map[string]string),
		registry: registry,
		limiter:  limiter,
		engine:   engine,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// RegisterDependency adds a probe for the named dependency. Duplicate
// registration is a configuration error.
func (o *Orchestrator) RegisterDependency(name string, probe ProbeFunc) error {
	if name == "" {
		return fmt.Errorf("dependency name is required")
	}
	if probe == nil {
		return fmt.Errorf("dependency %q: probe is required", name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.probes[name]; exists {
		return fmt.Errorf("dependency %q already registered", name)
	}
	o.probes[name] = probe
	o.checks[name] = Check{Name: name, Status: StatusUnknown}
	return nil
}

// SetDependencyMetadata attaches static annotations to a registered
// dependency. The annotations are stamped onto every Check for that
// dependency, including the one already stored.
func (o *Orchestrator) SetDependencyMetadata(name string, metadata map[string]string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.probes[name]; !exists {
		return fmt.Errorf("dependency %q not registered", name)
	}

	copied := make(map[string]string, len(metadata))
	for k, v := range metadata {
		copied[k] = v
	}
	o.meta[name] = copied

	check := o.checks[name]
	check.Metadata = copied
	o.checks[name] = check
	return nil
}

// RunHealthChecks probes every registered dependency concurrently,
// overwrites the stored Check per name, and gives open breakers a proactive
// recovery chance. Probe failures are converted to unhealthy checks, never
// propagated: a failing probe must not crash the monitoring loop.
func (o *Orchestrator) RunHealthChecks(ctx context.Context) {
	o.mu.Lock()
	probes := make(map[string]ProbeFunc, len(o.probes))
	for name, probe := range o.probes {
		probes[name] = probe
	}
	o.mu.Unlock()

	ch := make(chan Check, len(probes))
	for name, probe := range probes {
		go func(name string, probe ProbeFunc) {
			ch <- o.runProbe(ctx, name, probe)
		}(name, probe)
	}

	for range probes {
		check := <-ch

		o.mu.Lock()
		check.Metadata = o.meta[check.Name]
		o.checks[check.Name] = check
		o.mu.Unlock()

		metrics.HealthCheckDuration.WithLabelValues(check.Name).Observe(check.ResponseTime.Seconds())
		metrics.HealthStatus.WithLabelValues(check.Name).Set(float64(check.Status))

		// A reachable dependency earns its open breaker a half-open probe
		// without waiting for the next guarded call.
		if check.Status != StatusUnhealthy && o.registry.HealthCheckReset(check.Name) {
			o.logger.Info("breaker proactively reset after healthy probe", "service", check.Name)
		}
	}
}

// runProbe executes one probe with its own timeout and classifies the
// result by success and response time.
func (o *Orchestrator) runProbe(ctx context.Context, name string, probe ProbeFunc) Check {
	probeCtx, cancel := context.WithTimeout(ctx, o.opts.ProbeTimeout)
	defer cancel()

	start := o.now()
	err := probe(probeCtx)
	elapsed := o.now().Sub(start)

	check := Check{
		Name:         name,
		ResponseTime: elapsed,
		LastCheck:    start,
	}
	switch {
	case err != nil:
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		o.logger.Warn("dependency unhealthy", "service", name, "error", err, "response_time", elapsed)
	case elapsed > o.opts.DegradedThreshold:
		check.Status = StatusDegraded
		o.logger.Warn("dependency degraded", "service", name, "response_time", elapsed)
	default:
		check.Status = StatusHealthy
	}
	return check
}

// incidentNotice is a notification captured under the lock and delivered
// after release. A slow notifier must not stall the incident loop.
type incidentNotice struct {
	id       string
	severity alert.Severity
	title    string
	details  string
}

// DetectIncidents scans the latest checks, creating an incident on the
// first unhealthy report per service, appending to open incidents on
// repeats, and auto-resolving once every affected service is healthy again.
func (o *Orchestrator) DetectIncidents() {
	o.mu.Lock()

	now := o.now()
	var notices []incidentNotice

	for name, check := range o.checks {
		if check.Status != StatusUnhealthy {
			continue
		}
		if inc := o.openIncidentFor(name); inc != nil {
			inc.Timeline = append(inc.Timeline, TimelineEntry{
				At:      now,
				Event:   "still unhealthy",
				Details: check.Error,
			})
			continue
		}
		notices = append(notices, o.createIncident(name, check, now))
	}

	notices = append(notices, o.autoResolve(now)...)
	o.pruneResolved()
	metrics.OpenIncidents.Set(float64(o.openCount()))
	o.mu.Unlock()

	for _, n := range notices {
		if err := o.notifier.Notify(n.severity, n.title, n.details); err != nil {
			o.logger.Warn("incident notification failed", "incident_id", n.id, "error", err)
		}
	}
}

// openIncidentFor must be called with o.mu held.
func (o *Orchestrator) openIncidentFor(service string) *Incident {
	for _, inc := range o.incidents {
		if inc.Status == IncidentOpen && inc.affects(service) {
			return inc
		}
	}
	return nil
}

// createIncident must be called with o.mu held. The returned notice is
// delivered by the caller once the lock is released.
func (o *Orchestrator) createIncident(service string, check Check, now time.Time) incidentNotice {
	severity := o.severityFor(service)
	inc := &Incident{
		ID:               uuid.NewString(),
		Title:            "dependency unhealthy: " + service,
		Severity:         severity,
		Status:           IncidentOpen,
		CreatedAt:        now,
		ServicesAffected: []string{service},
		Description:      check.Error,
		Timeline: []TimelineEntry{{
			At:      now,
			Event:   "detected",
			Details: check.Error,
		}},
		MTTRTarget: mttrTarget(severity),
	}
	o.incidents = append(o.incidents, inc)

	o.logger.Error("incident created",
		"incident_id", inc.ID,
		"service", service,
		"severity", severity.String(),
	)
	return incidentNotice{id: inc.ID, severity: severity, title: inc.Title, details: check.Error}
}

// autoResolve closes incidents whose affected services all report healthy
// and returns the resolution notices for delivery after the lock is
// released. Must be called with o.mu held.
func (o *Orchestrator) autoResolve(now time.Time) []incidentNotice {
	var notices []incidentNotice
	for _, inc := range o.incidents {
		if inc.Status != IncidentOpen {
			continue
		}
		allHealthy := true
		for _, service := range inc.ServicesAffected {
			if o.checks[service].Status != StatusHealthy {
				allHealthy = false
				break
			}
		}
		if !allHealthy {
			continue
		}

		inc.Status = IncidentResolved
		inc.ResolvedAt = now
		inc.Timeline = append(inc.Timeline, TimelineEntry{At: now, Event: "auto-resolved"})

		o.logger.Info("incident auto-resolved",
			"incident_id", inc.ID,
			"mttr", inc.MTTR(),
			"mttr_target", inc.MTTRTarget,
		)
		notices = append(notices, incidentNotice{
			id:       inc.ID,
			severity: alert.SeverityLow,
			title:    "incident resolved: " + inc.Title,
			details:  fmt.Sprintf("mttr=%s mttr_target=%s", inc.MTTR(), inc.MTTRTarget),
		})
	}
	return notices
}

// maxResolvedIncidents caps the resolved incident history kept in memory;
// a flapping dependency must not grow it without bound.
const maxResolvedIncidents = 100

// pruneResolved drops the oldest resolved incidents beyond the retention
// cap. Incidents are appended in creation order, so the earliest resolved
// entries go first. Open incidents are never pruned. Must be called with
// o.mu held.
func (o *Orchestrator) pruneResolved() {
	resolved := 0
	for _, inc := range o.incidents {
		if inc.Status == IncidentResolved {
			resolved++
		}
	}
	if resolved <= maxResolvedIncidents {
		return
	}

	drop := resolved - maxResolvedIncidents
	kept := o.incidents[:0]
	for _, inc := range o.incidents {
		if drop > 0 && inc.Status == IncidentResolved {
			drop--
			continue
		}
		kept = append(kept, inc)
	}
	for i := len(kept); i < len(o.incidents); i++ {
		o.incidents[i] = nil
	}
	o.incidents = kept
}

// severityFor maps a service's breaker tier to incident severity.
// Must be called with o.mu held (reads only registry, safe regardless).
func (o *Orchestrator) severityFor(service string) alert.Severity {
	tier, ok := o.registry.Tier(service)
	if !ok {
		return alert.SeverityMedium
	}
	switch tier {
	case circuitbreaker.TierCritical:
		return alert.SeverityCritical
	case circuitbreaker.TierHigh:
		return alert.SeverityHigh
	default:
		return alert.SeverityMedium
	}
}

// openCount must be called with o.mu held.
func (o *Orchestrator) openCount() int {
	n := 0
	for _, inc := range o.incidents {
		if inc.Status == IncidentOpen {
			n++
		}
	}
	return n
}

// Checks returns a copy of the latest health check per dependency.
func (o *Orchestrator) Checks() map[string]Check {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]Check, len(o.checks))
	for name, check := range o.checks {
		out[name] = check
	}
	return out
}

// Incidents returns copies of all incidents, open and resolved.
func (o *Orchestrator) Incidents() []Incident {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Incident, 0, len(o.incidents))
	for _, inc := range o.incidents {
		out = append(out, inc.clone())
	}
	return out
}

// OpenIncidents returns copies of the currently open incidents.
func (o *Orchestrator) OpenIncidents() []Incident {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Incident, 0)
	for _, inc := range o.incidents {
		if inc.Status == IncidentOpen {
			out = append(out, inc.clone())
		}
	}
	return out
}

// Start launches the health-check and incident-detection loops.
func (o *Orchestrator) Start() {
	o.wg.Add(2)

	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.opts.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.RunHealthChecks(context.Background())
			case <-o.stopCh:
				return
			}
		}
	}()

	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.opts.IncidentInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.DetectIncidents()
			case <-o.stopCh:
				return
			}
		}
	}()
}

// Stop terminates both loops, waiting for in-progress iterations to finish.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	o.wg.Wait()
}
