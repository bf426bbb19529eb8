// Package degradation evaluates named trigger conditions over circuit
// breaker and latency state and activates fallback behaviors for features
// whose dependencies are unhealthy. The engine is polled on a fixed interval
// rather than event-driven, since conditions aggregate state across
// multiple breakers.
package degradation

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dskow/resilience-core/metrics"
)

// Rule maps a feature to its fallback and the trigger conditions that
// activate it.
type Rule struct {
	// Feature names the capability that degrades. Required and unique.
	Feature string `yaml:"feature"`

	// Fallback identifies the behavior callers switch to while degraded.
	Fallback string `yaml:"fallback"`

	// Triggers are condition names, evaluated in order; any true condition
	// activates the rule.
	Triggers []string `yaml:"triggers"`

	// BusinessImpact labels the rule for dashboard aggregation ("high"
	// impact degradations lower the overall status).
	BusinessImpact string `yaml:"business_impact"`
}

// ConditionFunc is a named predicate over current resilience state.
type ConditionFunc func() bool

// Engine owns the active-degradation set. All mutation happens in Evaluate
// (single-writer); readers get copies.
type Engine struct {
	mu         sync.Mutex
	rules      map[string]Rule
	conditions map[string]ConditionFunc
	active     map[string]struct{}

	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates an engine that, once started, re-evaluates every rule at
// the given interval (default 30s).
func NewEngine(interval time.Duration, logger *slog.Logger) *Engine {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &Engine{
		rules:      make(map[string]Rule),
		conditions: make(map[string]ConditionFunc),
		active:     make(map[string]struct{}),
		interval:   interval,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// RegisterCondition makes a named predicate available to rules.
func (e *Engine) RegisterCondition(name string, fn ConditionFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conditions[name] = fn
}

// AddRule registers a degradation rule. Every trigger must name a registered
// condition; unknown triggers are a configuration error.
func (e *Engine) AddRule(r Rule) error {
	if r.Feature == "" {
		return fmt.Errorf("degradation rule feature is required")
	}
	if r.Fallback == "" {
		return fmt.Errorf("degradation rule %q: fallback is required", r.Feature)
	}
	if len(r.Triggers) == 0 {
		return fmt.Errorf("degradation rule %q: at least one trigger is required", r.Feature)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[r.Feature]; exists {
		return fmt.Errorf("degradation rule %q already registered", r.Feature)
	}
	for _, trigger := range r.Triggers {
		if _, ok := e.conditions[trigger]; !ok {
			return fmt.Errorf("degradation rule %q: unknown trigger condition %q", r.Feature, trigger)
		}
	}
	e.rules[r.Feature] = r
	return nil
}

// Evaluate re-checks one feature's triggers and updates the active set,
// returning whether the feature is degraded. A feature enters the set only
// when a trigger is true and leaves only when none are — one transition at
// most per call.
func (e *Engine) Evaluate(feature string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluateLocked(feature)
}

// evaluateLocked must be called with e.mu held.
func (e *Engine) evaluateLocked(feature string) bool {
	rule, ok := e.rules[feature]
	if !ok {
		return false
	}

	triggered := ""
	for _, name := range rule.Triggers {
		if fn := e.conditions[name]; fn != nil && fn() {
			triggered = name
			break
		}
	}

	_, isActive := e.active[feature]
	switch {
	case triggered != "" && !isActive:
		e.active[feature] = struct{}{}
		metrics.DegradationActive.WithLabelValues(feature).Set(1)
		e.logger.Warn("degradation activated",
			"feature", feature,
			"fallback", rule.Fallback,
			"trigger", triggered,
			"business_impact", rule.BusinessImpact,
		)
	case triggered == "" && isActive:
		delete(e.active, feature)
		metrics.DegradationActive.WithLabelValues(feature).Set(0)
		e.logger.Info("degradation deactivated", "feature", feature)
	}

	return triggered != ""
}

// EvaluateAll runs one evaluation cycle over every rule.
func (e *Engine) EvaluateAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for feature := range e.rules {
		e.evaluateLocked(feature)
	}
}

// FallbackFor returns the feature's fallback identifier, but only while the
// feature is in the active-degradation set.
func (e *Engine) FallbackFor(feature string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, isActive := e.active[feature]; !isActive {
		return "", false
	}
	return e.rules[feature].Fallback, true
}

// Active returns the currently degraded feature names, sorted.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.active))
	for feature := range e.active {
		out = append(out, feature)
	}
	sort.Strings(out)
	return out
}

// ActiveRules returns copies of the rules whose features are currently
// degraded.
func (e *Engine) ActiveRules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Rule, 0, len(e.active))
	for feature := range e.active {
		out = append(out, e.rules[feature])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feature < out[j].Feature })
	return out
}

// Start launches the periodic evaluation loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.EvaluateAll()
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the evaluation loop, waiting for an in-progress cycle.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}
