package ratelimit

import (
	"fmt"
	"time"
)

// Strategy selects the admission algorithm for a limiter.
type Strategy int

const (
	FixedWindow Strategy = iota
	SlidingWindow
	TokenBucket
	// Adaptive scales the per-minute limit from trailing usage history, then
	// admits via the sliding-window algorithm.
	Adaptive
)

// String returns the strategy name used in config files.
func (s Strategy) String() string {
	switch s {
	case FixedWindow:
		return "fixed_window"
	case SlidingWindow:
		return "sliding_window"
	case TokenBucket:
		return "token_bucket"
	case Adaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// ParseStrategy converts a strategy name to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "fixed_window", "":
		return FixedWindow, nil
	case "sliding_window":
		return SlidingWindow, nil
	case "token_bucket":
		return TokenBucket, nil
	case "adaptive":
		return Adaptive, nil
	default:
		return FixedWindow, fmt.Errorf("unknown rate limit strategy %q", s)
	}
}

// UnmarshalYAML parses a strategy from its string name.
func (s *Strategy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseStrategy(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ClientTier classifies the caller's subscription level. The tier set is
// closed and known at compile time; unknown tiers use a 1.0 multiplier.
type ClientTier int

const (
	TierUnknown ClientTier = iota
	TierFree
	TierStandard
	TierPremium
	TierEnterprise
)

// String returns the tier name.
func (t ClientTier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierStandard:
		return "standard"
	case TierPremium:
		return "premium"
	case TierEnterprise:
		return "enterprise"
	default:
		return "unknown"
	}
}

// ParseClientTier converts a tier name to a ClientTier.
func ParseClientTier(s string) ClientTier {
	switch s {
	case "free":
		return TierFree
	case "standard":
		return TierStandard
	case "premium":
		return TierPremium
	case "enterprise":
		return TierEnterprise
	default:
		return TierUnknown
	}
}

// Region classifies the caller's geography. The region set is closed;
// anything else falls through to the default multiplier.
type Region int

const (
	RegionOther Region = iota
	RegionNA
	RegionEU
	RegionAPAC
)

// String returns the region code.
func (r Region) String() string {
	switch r {
	case RegionNA:
		return "na"
	case RegionEU:
		return "eu"
	case RegionAPAC:
		return "apac"
	default:
		return "other"
	}
}

// ParseRegion converts a region code to a Region.
func ParseRegion(s string) Region {
	switch s {
	case "na":
		return RegionNA
	case "eu":
		return RegionEU
	case "apac":
		return RegionAPAC
	default:
		return RegionOther
	}
}

// TierMultipliers scales base limits per client tier. Zero values mean 1.0.
type TierMultipliers struct {
	Free       float64 `yaml:"free"`
	Standard   float64 `yaml:"standard"`
	Premium    float64 `yaml:"premium"`
	Enterprise float64 `yaml:"enterprise"`
}

// For returns the multiplier for a tier, defaulting to 1.0.
func (m TierMultipliers) For(t ClientTier) float64 {
	var v float64
	switch t {
	case TierFree:
		v = m.Free
	case TierStandard:
		v = m.Standard
	case TierPremium:
		v = m.Premium
	case TierEnterprise:
		v = m.Enterprise
	}
	if v <= 0 {
		return 1.0
	}
	return v
}

// RegionMultipliers scales base limits per geography. Regions without an
// explicit value use Default; a zero Default means 1.0.
type RegionMultipliers struct {
	NA      float64 `yaml:"na"`
	EU      float64 `yaml:"eu"`
	APAC    float64 `yaml:"apac"`
	Default float64 `yaml:"default"`
}

// For returns the multiplier for a region, falling back to Default then 1.0.
func (m RegionMultipliers) For(r Region) float64 {
	var v float64
	switch r {
	case RegionNA:
		v = m.NA
	case RegionEU:
		v = m.EU
	case RegionAPAC:
		v = m.APAC
	}
	if v <= 0 {
		v = m.Default
	}
	if v <= 0 {
		return 1.0
	}
	return v
}

// Config holds the immutable settings for one named limiter.
type Config struct {
	// Name identifies the endpoint or category being limited.
	Name string `yaml:"name"`

	// Base limits per period. Zero disables that period's check.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	RequestsPerHour   int `yaml:"requests_per_hour"`
	RequestsPerDay    int `yaml:"requests_per_day"`

	// BurstAllowance is the token bucket capacity. Defaults to
	// RequestsPerMinute when unset.
	BurstAllowance int `yaml:"burst_allowance"`

	Strategy Strategy          `yaml:"strategy"`
	Tiers    TierMultipliers   `yaml:"tier_multipliers"`
	Regions  RegionMultipliers `yaml:"region_multipliers"`

	// Whitelist clients bypass all limits; blacklist clients are always
	// rejected. Blacklist wins on conflict.
	Whitelist []string `yaml:"whitelist"`
	Blacklist []string `yaml:"blacklist"`

	// Adaptive tuning knobs. The defaults come from the source heuristics
	// and have no documented derivation; validate against real traffic
	// before trusting them.
	AdaptiveMinSamples int     `yaml:"adaptive_min_samples"`
	AdaptiveScaleUp    float64 `yaml:"adaptive_scale_up"`
	AdaptiveScaleDown  float64 `yaml:"adaptive_scale_down"`
	AdaptiveHighWater  float64 `yaml:"adaptive_high_water"`
	AdaptiveLowWater   float64 `yaml:"adaptive_low_water"`
}

func (c *Config) applyDefaults() {
	if c.RequestsPerMinute == 0 && c.RequestsPerHour == 0 && c.RequestsPerDay == 0 {
		c.RequestsPerMinute = 60
	}
	if c.BurstAllowance == 0 {
		c.BurstAllowance = c.RequestsPerMinute
	}
	if c.AdaptiveMinSamples == 0 {
		c.AdaptiveMinSamples = 10
	}
	if c.AdaptiveScaleUp == 0 {
		c.AdaptiveScaleUp = 1.5
	}
	if c.AdaptiveScaleDown == 0 {
		c.AdaptiveScaleDown = 0.7
	}
	if c.AdaptiveHighWater == 0 {
		c.AdaptiveHighWater = 0.8
	}
	if c.AdaptiveLowWater == 0 {
		c.AdaptiveLowWater = 0.3
	}
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("rate limit name is required")
	}
	if c.RequestsPerMinute < 0 || c.RequestsPerHour < 0 || c.RequestsPerDay < 0 {
		return fmt.Errorf("rate limit %q: request limits must be non-negative", c.Name)
	}
	if c.BurstAllowance < 1 {
		return fmt.Errorf("rate limit %q: burst_allowance must be positive", c.Name)
	}
	if (c.Strategy == SlidingWindow || c.Strategy == TokenBucket || c.Strategy == Adaptive) && c.RequestsPerMinute < 1 {
		return fmt.Errorf("rate limit %q: requests_per_minute is required for %s strategy", c.Name, c.Strategy)
	}
	if c.AdaptiveScaleUp < 1 {
		return fmt.Errorf("rate limit %q: adaptive_scale_up must be >= 1", c.Name)
	}
	if c.AdaptiveScaleDown <= 0 || c.AdaptiveScaleDown > 1 {
		return fmt.Errorf("rate limit %q: adaptive_scale_down must be in (0, 1]", c.Name)
	}
	if c.AdaptiveLowWater >= c.AdaptiveHighWater {
		return fmt.Errorf("rate limit %q: adaptive_low_water must be below adaptive_high_water", c.Name)
	}
	return nil
}

const (
	minuteLayout = "200601021504"
	hourLayout   = "2006010215"
	dayLayout    = "20060102"
)

// windowReset returns the time remaining until the period containing now
// rolls over.
func windowReset(now time.Time, period time.Duration) time.Duration {
	return now.Truncate(period).Add(period).Sub(now)
}
