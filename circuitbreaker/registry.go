package circuitbreaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dskow/resilience-core/alert"
)

// Registry owns all breaker instances, one per dependency name. It is
// constructed once at service startup and passed to every call site; no
// package-level singleton state.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	logger   *slog.Logger
	notifier alert.Notifier
}

// NewRegistry creates an empty registry. notifier receives the high-severity
// alert when any breaker opens; pass alert.Nop{} to disable.
func NewRegistry(logger *slog.Logger, notifier alert.Notifier) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		logger:   logger,
		notifier: notifier,
	}
}

// Register adds a breaker in closed state with an empty rolling window.
// Returns *DuplicateNameError if the name is already taken.
func (r *Registry) Register(cfg Config) error {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.breakers[cfg.Name]; exists {
		return &DuplicateNameError{Name: cfg.Name}
	}
	r.breakers[cfg.Name] = newBreaker(cfg, r.logger, r.notifier)

	r.logger.Info("circuit breaker registered",
		"service", cfg.Name,
		"tier", cfg.ServiceTier.String(),
		"failure_threshold", cfg.FailureThreshold,
		"window_size", cfg.WindowSize,
	)
	return nil
}

// Do executes fn guarded by the breaker registered under name. If no breaker
// is registered the call runs unguarded. Rejections return *OpenError (or
// *ConcurrencyLimitError) without invoking fn. Errors from fn are recorded
// as failures and re-raised unchanged: the breaker observes, it never
// swallows. op labels the outcome in the rolling window.
func (r *Registry) Do(ctx context.Context, name, op string, fn func(context.Context) error) error {
	r.mu.RLock()
	b := r.breakers[name]
	r.mu.RUnlock()

	if b == nil {
		return fn(ctx)
	}

	probe, err := b.acquire()
	if err != nil {
		return err
	}

	start := b.now()
	completed := false
	defer func() {
		// A panic in fn must still release in-flight and probe state, or
		// one panicking call leaves the breaker rejecting forever. The
		// panic is recorded as a failure before it propagates.
		if !completed {
			b.record(probe, b.now().Sub(start), op, errPanicked)
		}
	}()
	callErr := fn(ctx)
	completed = true
	b.record(probe, b.now().Sub(start), op, callErr)
	return callErr
}

// HealthCheckReset proactively moves an open breaker to half-open once it
// has been open at least RecoveryTimeout. Invoked by the health orchestrator
// so recovery does not have to wait for the next guarded call. Returns true
// if a transition happened.
func (r *Registry) HealthCheckReset(name string) bool {
	r.mu.RLock()
	b := r.breakers[name]
	r.mu.RUnlock()

	if b == nil {
		return false
	}
	return b.healthCheckReset()
}

// State returns the current state of the named breaker.
func (r *Registry) State(name string) (State, bool) {
	r.mu.RLock()
	b := r.breakers[name]
	r.mu.RUnlock()

	if b == nil {
		return StateClosed, false
	}
	return b.State(), true
}

// Tier returns the configured service tier of the named breaker.
func (r *Registry) Tier(name string) (ServiceTier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b := r.breakers[name]
	if b == nil {
		return TierMedium, false
	}
	return b.cfg.ServiceTier, true
}

// Stats returns copy-on-read snapshots of every breaker, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	stats := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// setNow overrides the clock of every registered breaker. Test hook.
func (r *Registry) setNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.mu.Lock()
		b.now = now
		b.mu.Unlock()
	}
}
