// Package ratelimit provides per-(limiter, client) admission control with
// fixed-window, sliding-window, token-bucket, and adaptive strategies, plus
// tier and geography multipliers. State entries are created lazily per
// client and evicted by a periodic cleanup goroutine.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/resilience-core/metrics"
)

// Decision is the outcome of an admission check. Remaining is the quota left
// in the tightest window after this request; -1 means unlimited.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

// Options tunes limiter state retention.
type Options struct {
	// Retention is how long an idle state entry survives before the cleanup
	// loop evicts it. Default 1 hour.
	Retention time.Duration

	// CleanupInterval is how often the cleanup loop runs. Default 5 minutes.
	CleanupInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.Retention == 0 {
		o.Retention = time.Hour
	}
	if o.CleanupInterval == 0 {
		o.CleanupInterval = 5 * time.Minute
	}
}

// limiterConfig is a Config with its client lists resolved into sets.
type limiterConfig struct {
	Config
	whitelist map[string]struct{}
	blacklist map[string]struct{}
}

func newLimiterConfig(cfg Config) *limiterConfig {
	lc := &limiterConfig{
		Config:    cfg,
		whitelist: make(map[string]struct{}, len(cfg.Whitelist)),
		blacklist: make(map[string]struct{}, len(cfg.Blacklist)),
	}
	for _, c := range cfg.Whitelist {
		lc.whitelist[c] = struct{}{}
	}
	for _, c := range cfg.Blacklist {
		lc.blacklist[c] = struct{}{}
	}
	return lc
}

type entryKey struct {
	name   string
	client string
}

// entry is the per-(limiter, client) mutable state. Which fields are live
// depends on the limiter's strategy.
type entry struct {
	lastSeen time.Time
	rejects  uint64

	// Fixed-window counters, labelled by period bucket.
	minuteLabel string
	minuteCount int
	hourLabel   string
	hourCount   int
	dayLabel    string
	dayCount    int

	// Sliding-window accepted-request timestamps.
	stamps []time.Time

	// Token bucket.
	bucket    *rate.Limiter
	bucketRPM int
}

// usageHistory tracks per-minute request counts for one limiter, feeding the
// adaptive strategy's scaling decision.
type usageHistory struct {
	lastSeen time.Time
	label    string
	count    int
	samples  []int
}

const maxUsageSamples = 60

// observe counts one request attempt, rolling the current minute's count
// into the sample history on minute boundaries.
func (u *usageHistory) observe(now time.Time) {
	label := now.Format(minuteLayout)
	if label != u.label {
		if u.label != "" {
			u.samples = append(u.samples, u.count)
			if len(u.samples) > maxUsageSamples {
				u.samples = u.samples[len(u.samples)-maxUsageSamples:]
			}
		}
		u.label = label
		u.count = 0
	}
	u.count++
	u.lastSeen = now
}

// meanRate returns the mean requests-per-minute over the history and the
// number of completed samples it is based on.
func (u *usageHistory) meanRate() (float64, int) {
	if len(u.samples) == 0 {
		return 0, 0
	}
	sum := 0
	for _, s := range u.samples {
		sum += s
	}
	return float64(sum) / float64(len(u.samples)), len(u.samples)
}

// Limiter is the process-wide rate limiter. It exclusively owns all
// per-client state; different (limiter, client) keys never observe each
// other's counters.
type Limiter struct {
	mu      sync.Mutex
	configs map[string]*limiterConfig
	entries map[entryKey]*entry
	usage   map[string]*usageHistory
	rejects map[string]uint64

	opts   Options
	logger *slog.Logger
	stopCh chan struct{}
	now    func() time.Time
}

// New creates a Limiter for the given configs and starts the background
// cleanup goroutine. Call Stop to terminate it.
func New(configs []Config, opts Options, logger *slog.Logger) (*Limiter, error) {
	opts.applyDefaults()

	l := &Limiter{
		configs: make(map[string]*limiterConfig, len(configs)),
		entries: make(map[entryKey]*entry),
		usage:   make(map[string]*usageHistory),
		rejects: make(map[string]uint64),
		opts:    opts,
		logger:  logger,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	if err := l.setConfigs(configs); err != nil {
		return nil, err
	}

	go l.cleanupLoop()
	return l, nil
}

func (l *Limiter) setConfigs(configs []Config) error {
	next := make(map[string]*limiterConfig, len(configs))
	for _, cfg := range configs {
		cfg.applyDefaults()
		if err := cfg.validate(); err != nil {
			return err
		}
		next[cfg.Name] = newLimiterConfig(cfg)
	}
	l.configs = next
	return nil
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

// UpdateConfig hot-reloads limiter settings. Existing per-client state is
// cleared so new limits take effect immediately.
func (l *Limiter) UpdateConfig(configs []Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.setConfigs(configs); err != nil {
		return err
	}
	l.entries = make(map[entryKey]*entry)
	l.usage = make(map[string]*usageHistory)
	return nil
}

// Allow runs the admission check for one request. Unknown limiter names
// admit unconditionally, mirroring the breaker registry's unguarded
// behavior for unregistered dependencies.
func (l *Limiter) Allow(name, clientID string, tier ClientTier, region Region) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, ok := l.configs[name]
	if !ok {
		return Decision{Allowed: true, Remaining: -1}
	}

	// Blacklist wins over whitelist; whitelist bypasses all window logic.
	if _, banned := cfg.blacklist[clientID]; banned {
		l.recordRejection(cfg, nil, name, clientID, 0)
		return Decision{Allowed: false}
	}
	if _, trusted := cfg.whitelist[clientID]; trusted {
		return Decision{Allowed: true, Remaining: -1}
	}

	now := l.now()

	mult := cfg.Tiers.For(tier) * cfg.Regions.For(region)
	rpm := scaleLimit(cfg.RequestsPerMinute, mult)
	rph := scaleLimit(cfg.RequestsPerHour, mult)
	rpd := scaleLimit(cfg.RequestsPerDay, mult)

	if cfg.Strategy == Adaptive {
		rpm = scaleLimit(rpm, l.usageFactor(cfg, now))
	}

	key := entryKey{name: name, client: clientID}
	e := l.entries[key]
	if e == nil {
		e = &entry{}
		l.entries[key] = e
	}
	e.lastSeen = now

	var d Decision
	switch cfg.Strategy {
	case SlidingWindow, Adaptive:
		d = e.allowSliding(now, rpm, rph, rpd)
	case TokenBucket:
		d = e.allowBucket(now, rpm, cfg.BurstAllowance)
	default:
		d = e.allowFixed(now, rpm, rph, rpd)
	}

	if !d.Allowed {
		l.recordRejection(cfg, e, name, clientID, d.RetryAfter)
	}
	return d
}

// recordRejection updates rejection counters and metrics. Must be called
// with l.mu held. e may be nil for blacklist rejections.
func (l *Limiter) recordRejection(cfg *limiterConfig, e *entry, name, clientID string, retryAfter time.Duration) {
	if e != nil {
		e.rejects++
	}
	l.rejects[name]++
	metrics.RateLimitRejections.WithLabelValues(name).Inc()
	l.logger.Warn("rate limit exceeded",
		"limiter", name,
		"client", clientID,
		"strategy", cfg.Strategy.String(),
		"retry_after", retryAfter,
	)
}

// usageFactor records this attempt in the limiter's usage history and
// returns the adaptive scaling factor. Below AdaptiveMinSamples of history
// the limiter behaves as non-adaptive. Must be called with l.mu held.
func (l *Limiter) usageFactor(cfg *limiterConfig, now time.Time) float64 {
	u := l.usage[cfg.Name]
	if u == nil {
		u = &usageHistory{}
		l.usage[cfg.Name] = u
	}
	u.observe(now)

	mean, n := u.meanRate()
	if n < cfg.AdaptiveMinSamples {
		return 1.0
	}

	base := float64(cfg.RequestsPerMinute)
	switch {
	case mean > cfg.AdaptiveHighWater*base:
		return cfg.AdaptiveScaleUp
	case mean < cfg.AdaptiveLowWater*base:
		return cfg.AdaptiveScaleDown
	default:
		return 1.0
	}
}

// RejectionCounts returns total rejections per limiter, for the dashboard.
func (l *Limiter) RejectionCounts() map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]uint64, len(l.rejects))
	for name, n := range l.rejects {
		out[name] = n
	}
	return out
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup evicts state entries and usage histories idle past the retention
// window, bounding memory.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	evicted := 0
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > l.opts.Retention {
			delete(l.entries, key)
			evicted++
		}
	}
	for name, u := range l.usage {
		if now.Sub(u.lastSeen) > l.opts.Retention {
			delete(l.usage, name)
		}
	}
	if evicted > 0 {
		l.logger.Debug("rate limit state evicted", "entries", evicted)
	}
}

// scaleLimit applies a multiplier to a base limit, keeping enabled limits at
// 1 or above. Zero (disabled) limits stay disabled.
func scaleLimit(base int, mult float64) int {
	if base <= 0 {
		return 0
	}
	v := int(float64(base) * mult)
	if v < 1 {
		v = 1
	}
	return v
}
