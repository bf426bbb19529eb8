// Package circuitbreaker provides per-dependency circuit breaker state
// machines behind a process-wide registry. Callers wrap dependency calls in
// Registry.Do; outcomes feed a rolling window that drives CLOSED → OPEN →
// HALF_OPEN transitions.
package circuitbreaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/resilience-core/alert"
	"github.com/dskow/resilience-core/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; a single call allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ServiceTier classifies how much a dependency matters. It only affects
// alert severity and dashboard aggregation, never breaker behavior.
type ServiceTier int

const (
	TierLow ServiceTier = iota
	TierMedium
	TierHigh
	TierCritical
)

// String returns a human-readable tier name.
func (t ServiceTier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParseServiceTier converts a tier name to a ServiceTier. Unknown names
// default to TierMedium.
func ParseServiceTier(s string) ServiceTier {
	switch s {
	case "critical":
		return TierCritical
	case "high":
		return TierHigh
	case "low":
		return TierLow
	default:
		return TierMedium
	}
}

// UnmarshalYAML parses a tier from its string name.
func (t *ServiceTier) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*t = ParseServiceTier(s)
	return nil
}

// Config holds the immutable settings for one protected dependency.
type Config struct {
	// Name identifies the protected dependency. Required and unique.
	Name string `yaml:"name"`

	// FailureThreshold is the absolute failure count that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold"`

	// SuccessThreshold is the number of successful half-open probes required
	// to close the circuit.
	SuccessThreshold int `yaml:"success_threshold"`

	// Timeout is how long an open circuit rejects calls before the next
	// guarded call may transition it to half-open.
	Timeout time.Duration `yaml:"timeout"`

	// FailureRateThreshold is the rolling-window failure ratio (0..1] that
	// opens the circuit once MinRequests samples are in the window.
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`

	// MinRequests is the minimum number of in-window samples before the
	// failure rate is evaluated. Below it only FailureThreshold can trip.
	MinRequests int `yaml:"min_requests"`

	// WindowSize bounds the rolling outcome window; samples older than this
	// never contribute to the failure rate.
	WindowSize time.Duration `yaml:"window_size"`

	// ServiceTier and BusinessImpact label alerts emitted when the circuit
	// opens. They do not affect breaker behavior.
	ServiceTier    ServiceTier `yaml:"service_tier"`
	BusinessImpact string      `yaml:"business_impact"`

	// RecoveryTimeout is the minimum open duration before the health
	// orchestrator may proactively move the breaker to half-open.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// SlowCallThreshold, when positive, records successes slower than it as
	// failures.
	SlowCallThreshold time.Duration `yaml:"slow_call_threshold"`

	// MaxConcurrent, when positive, caps in-flight calls through the breaker.
	MaxConcurrent int `yaml:"max_concurrent"`
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.FailureRateThreshold == 0 {
		c.FailureRateThreshold = 0.5
	}
	if c.MinRequests == 0 {
		c.MinRequests = 10
	}
	if c.WindowSize == 0 {
		c.WindowSize = 60 * time.Second
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("circuit breaker name is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("circuit breaker %q: failure_threshold must be positive", c.Name)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("circuit breaker %q: success_threshold must be positive", c.Name)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("circuit breaker %q: timeout must be positive", c.Name)
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		return fmt.Errorf("circuit breaker %q: failure_rate_threshold must be between 0 (exclusive) and 1 (inclusive)", c.Name)
	}
	if c.MinRequests < 1 {
		return fmt.Errorf("circuit breaker %q: min_requests must be positive", c.Name)
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("circuit breaker %q: window_size must be positive", c.Name)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit breaker %q: recovery_timeout must be positive", c.Name)
	}
	if c.SlowCallThreshold < 0 {
		return fmt.Errorf("circuit breaker %q: slow_call_threshold must be non-negative", c.Name)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("circuit breaker %q: max_concurrent must be non-negative", c.Name)
	}
	return nil
}

// errSlowCall marks window samples for successes that exceeded the
// slow-call threshold.
var errSlowCall = errors.New("call exceeded slow-call threshold")

// errPanicked marks window samples for calls that panicked.
var errPanicked = errors.New("call panicked")

// outcome is a single call result in the rolling window.
type outcome struct {
	at       time.Time
	success  bool
	duration time.Duration
	err      error
	op       string
}

// maxWindowSamples bounds window memory for very hot dependencies; the
// time-based eviction is the semantic bound.
const maxWindowSamples = 512

// breakerAlert is an open-circuit notification captured under the lock and
// delivered after release. A slow notifier must not stall guarded calls.
type breakerAlert struct {
	severity alert.Severity
	title    string
	details  string
}

// Breaker is the mutable state machine for one dependency. All fields are
// owned exclusively by the registry and mutated under mu; external readers
// go through Stats snapshots.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state          State
	failureCount   int
	successCount   int
	lastFailure    time.Time
	lastSuccess    time.Time
	stateChangedAt time.Time
	inFlight       int
	probeInFlight  bool
	window         []outcome
	pendingAlert   *breakerAlert

	logger   *slog.Logger
	notifier alert.Notifier
	now      func() time.Time
}

func newBreaker(cfg Config, logger *slog.Logger, notifier alert.Notifier) *Breaker {
	b := &Breaker{
		cfg:      cfg,
		state:    StateClosed,
		logger:   logger,
		notifier: notifier,
		now:      time.Now,
	}
	b.stateChangedAt = b.now()
	return b
}

// acquire decides whether a call may proceed. It returns probe=true when the
// call is the single half-open trial. Rejections never reach the dependency
// and never count as failures.
func (b *Breaker) acquire() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateOpen:
		if now.Sub(b.stateChangedAt) < b.cfg.Timeout {
			metrics.CircuitBreakerRejections.WithLabelValues(b.cfg.Name, "open").Inc()
			return false, &OpenError{Name: b.cfg.Name, State: StateOpen}
		}
		// Open timeout elapsed: this call becomes the half-open probe.
		b.transitionTo(StateHalfOpen, now)
		b.probeInFlight = true
		b.inFlight++
		return true, nil

	case StateHalfOpen:
		if b.probeInFlight {
			metrics.CircuitBreakerRejections.WithLabelValues(b.cfg.Name, "probe-busy").Inc()
			return false, &OpenError{Name: b.cfg.Name, State: StateHalfOpen}
		}
		b.probeInFlight = true
		b.inFlight++
		return true, nil

	default: // StateClosed
		if b.cfg.MaxConcurrent > 0 && b.inFlight >= b.cfg.MaxConcurrent {
			metrics.CircuitBreakerRejections.WithLabelValues(b.cfg.Name, "concurrency").Inc()
			return false, &ConcurrencyLimitError{Name: b.cfg.Name, Limit: b.cfg.MaxConcurrent}
		}
		b.inFlight++
		return false, nil
	}
}

// record stores a call outcome and drives state transitions. Any alert
// raised by an open transition is delivered after the lock is released.
func (b *Breaker) record(probe bool, duration time.Duration, op string, callErr error) {
	b.mu.Lock()

	now := b.now()
	b.inFlight--
	if probe {
		b.probeInFlight = false
	}

	if callErr == nil && b.cfg.SlowCallThreshold > 0 && duration > b.cfg.SlowCallThreshold {
		callErr = errSlowCall
	}

	if callErr == nil {
		b.recordSuccess(now, duration, op)
	} else {
		b.recordFailure(now, duration, op, callErr)
	}

	pending := b.pendingAlert
	b.pendingAlert = nil
	b.mu.Unlock()

	if pending != nil {
		if err := b.notifier.Notify(pending.severity, pending.title, pending.details); err != nil {
			b.logger.Warn("alert notification failed", "service", b.cfg.Name, "error", err)
		}
	}
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(now time.Time, duration time.Duration, op string) {
	b.successCount++
	b.lastSuccess = now
	b.append(outcome{at: now, success: true, duration: duration, op: op})

	if b.state == StateHalfOpen && b.successCount >= b.cfg.SuccessThreshold {
		b.transitionTo(StateClosed, now)
		b.logger.Info("circuit breaker recovered",
			"service", b.cfg.Name,
			"tier", b.cfg.ServiceTier.String(),
		)
	}
}

// recordFailure must be called with b.mu held.
func (b *Breaker) recordFailure(now time.Time, duration time.Duration, op string, callErr error) {
	b.failureCount++
	b.lastFailure = now
	b.append(outcome{at: now, duration: duration, err: callErr, op: op})

	switch b.state {
	case StateHalfOpen:
		// A failed probe re-opens immediately.
		b.open(now)
	case StateClosed:
		if b.shouldTrip() {
			b.open(now)
		}
	}
}

// shouldTrip evaluates the two trip conditions: absolute failure count, or
// rolling failure rate once the window holds at least MinRequests samples.
// Must be called with b.mu held.
func (b *Breaker) shouldTrip() bool {
	if b.failureCount >= b.cfg.FailureThreshold {
		return true
	}
	total, failures := b.windowCounts()
	if total < b.cfg.MinRequests {
		return false
	}
	return float64(failures)/float64(total) >= b.cfg.FailureRateThreshold
}

// open transitions to StateOpen and stages the high-severity alert tagged
// with tier and business impact; record delivers it once the lock is
// released. Must be called with b.mu held.
func (b *Breaker) open(now time.Time) {
	b.transitionTo(StateOpen, now)

	severity := alert.SeverityHigh
	if b.cfg.ServiceTier == TierCritical {
		severity = alert.SeverityCritical
	}
	b.pendingAlert = &breakerAlert{
		severity: severity,
		title:    "circuit breaker opened: " + b.cfg.Name,
		details: fmt.Sprintf("tier=%s business_impact=%s failures=%d",
			b.cfg.ServiceTier, b.cfg.BusinessImpact, b.failureCount),
	}
}

// transitionTo changes state, emitting metrics and logging. Counters reset
// only on the CLOSED transition. Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State, now time.Time) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState
	b.stateChangedAt = now

	metrics.CircuitBreakerStateChanges.WithLabelValues(b.cfg.Name, from.String(), newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.cfg.Name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"service", b.cfg.Name,
		"from", from.String(),
		"to", newState.String(),
	)

	if newState == StateClosed {
		b.failureCount = 0
		b.successCount = 0
		b.probeInFlight = false
		b.window = b.window[:0]
	}
	if newState == StateHalfOpen {
		// Only probe successes count toward SuccessThreshold; successes
		// accumulated while closed must not close the circuit early.
		b.successCount = 0
	}
}

// append adds a sample and evicts entries older than the window.
// Must be called with b.mu held.
func (b *Breaker) append(o outcome) {
	b.window = append(b.window, o)
	b.evict(o.at)
	if len(b.window) > maxWindowSamples {
		b.window = b.window[len(b.window)-maxWindowSamples:]
	}
}

// evict drops samples older than WindowSize. Must be called with b.mu held.
func (b *Breaker) evict(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowSize)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = b.window[i:]
	}
}

// windowCounts returns total and failed samples inside the trailing window.
// Must be called with b.mu held.
func (b *Breaker) windowCounts() (total, failures int) {
	b.evict(b.now())
	for _, o := range b.window {
		if !o.success {
			failures++
		}
	}
	return len(b.window), failures
}

// healthCheckReset is the orchestrator-driven proactive transition: an open
// breaker that has been open at least RecoveryTimeout moves to half-open
// without waiting for the next guarded call.
func (b *Breaker) healthCheckReset() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state != StateOpen || now.Sub(b.stateChangedAt) < b.cfg.RecoveryTimeout {
		return false
	}
	b.transitionTo(StateHalfOpen, now)
	return true
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a copy-on-read snapshot of one breaker.
type Stats struct {
	Name           string
	State          State
	Tier           ServiceTier
	BusinessImpact string
	FailureCount   int
	SuccessCount   int
	WindowCount    int
	FailureRate    float64
	MeanLatency    time.Duration
	InFlight       int
	StateChangedAt time.Time
	LastFailure    time.Time
	LastSuccess    time.Time
}

// Stats returns a snapshot. Other components (degradation engine, health
// orchestrator) read breaker state only through this accessor.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	total, failures := b.windowCounts()
	s := Stats{
		Name:           b.cfg.Name,
		State:          b.state,
		Tier:           b.cfg.ServiceTier,
		BusinessImpact: b.cfg.BusinessImpact,
		FailureCount:   b.failureCount,
		SuccessCount:   b.successCount,
		WindowCount:    total,
		InFlight:       b.inFlight,
		StateChangedAt: b.stateChangedAt,
		LastFailure:    b.lastFailure,
		LastSuccess:    b.lastSuccess,
	}
	if total > 0 {
		s.FailureRate = float64(failures) / float64(total)
		var sum time.Duration
		for _, o := range b.window {
			sum += o.duration
		}
		s.MeanLatency = sum / time.Duration(total)
	}
	return s
}
