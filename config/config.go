// Package config provides YAML configuration loading with validation and
// environment variable substitution for the resilience components.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dskow/resilience-core/circuitbreaker"
	"github.com/dskow/resilience-core/degradation"
	"github.com/dskow/resilience-core/health"
	"github.com/dskow/resilience-core/ratelimit"
)

// Config is the top-level resilience configuration.
type Config struct {
	Logging          LoggingConfig           `yaml:"logging" json:"logging"`
	CircuitBreakers  []circuitbreaker.Config `yaml:"circuit_breakers" json:"circuit_breakers"`
	RateLimits       []ratelimit.Config      `yaml:"rate_limits" json:"rate_limits"`
	RateLimitStore   RateLimitStoreConfig    `yaml:"rate_limit_store" json:"rate_limit_store"`
	DegradationRules []degradation.Rule      `yaml:"degradation_rules" json:"degradation_rules"`
	Health           HealthConfig            `yaml:"health" json:"health"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// LoggingConfig holds log output and rotation settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`                // "debug", "info", "warn", "error"; default: "info"
	Output     string `yaml:"output" json:"output"`              // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`    // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`    // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`  // max days to retain rotated files; default: 30
}

// RateLimitStoreConfig holds per-client entry retention settings.
type RateLimitStoreConfig struct {
	Retention       time.Duration `yaml:"retention" json:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// Options converts the store settings to limiter options.
func (c RateLimitStoreConfig) Options() ratelimit.Options {
	return ratelimit.Options{
		Retention:       c.Retention,
		CleanupInterval: c.CleanupInterval,
	}
}

// HealthConfig holds health-check loop settings and the dependencies
// probed on each cycle.
type HealthConfig struct {
	CheckInterval     time.Duration      `yaml:"check_interval" json:"check_interval"`
	IncidentInterval  time.Duration      `yaml:"incident_interval" json:"incident_interval"`
	ProbeTimeout      time.Duration      `yaml:"probe_timeout" json:"probe_timeout"`
	DegradedThreshold time.Duration      `yaml:"degraded_threshold" json:"degraded_threshold"`
	Dependencies      []DependencyConfig `yaml:"dependencies" json:"dependencies"`
}

// DependencyConfig declares a TCP-probed dependency. Hosts register
// custom probes in code; config covers the plain reachability case.
type DependencyConfig struct {
	Name    string `yaml:"name" json:"name"`
	Address string `yaml:"address" json:"address"` // host:port
}

// Register wires the configured dependencies into the orchestrator as
// TCP probes.
func (h HealthConfig) Register(o *health.Orchestrator) error {
	for _, dep := range h.Dependencies {
		if err := o.RegisterDependency(dep.Name, health.TCPProbe(dep.Address)); err != nil {
			return fmt.Errorf("register dependency %q: %w", dep.Name, err)
		}
		if err := o.SetDependencyMetadata(dep.Name, map[string]string{"address": dep.Address}); err != nil {
			return fmt.Errorf("register dependency %q: %w", dep.Name, err)
		}
	}
	return nil
}

// Options converts the health settings to orchestrator options.
func (h HealthConfig) Options() health.Options {
	return health.Options{
		CheckInterval:     h.CheckInterval,
		IncidentInterval:  h.IncidentInterval,
		ProbeTimeout:      h.ProbeTimeout,
		DegradedThreshold: h.DegradedThreshold,
	}
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.RateLimitStore.Retention == 0 {
		cfg.RateLimitStore.Retention = time.Hour
	}
	if cfg.RateLimitStore.CleanupInterval == 0 {
		cfg.RateLimitStore.CleanupInterval = 5 * time.Minute
	}

	if cfg.Health.CheckInterval == 0 {
		cfg.Health.CheckInterval = 30 * time.Second
	}
	if cfg.Health.IncidentInterval == 0 {
		cfg.Health.IncidentInterval = 10 * time.Second
	}
	if cfg.Health.ProbeTimeout == 0 {
		cfg.Health.ProbeTimeout = 5 * time.Second
	}
	if cfg.Health.DegradedThreshold == 0 {
		cfg.Health.DegradedThreshold = 2 * time.Second
	}
}

// ValidLogLevels are the accepted logging level strings.
var ValidLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validate performs structural validation: required names, duplicates, and
// the ranges this package owns. Field-level ranges inside each breaker and
// limiter config are enforced when the component registers them.
func validate(cfg *Config) error {
	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	seenBreakers := make(map[string]bool)
	for i, cb := range cfg.CircuitBreakers {
		if cb.Name == "" {
			return fmt.Errorf("circuit_breakers[%d].name is required", i)
		}
		if seenBreakers[cb.Name] {
			return fmt.Errorf("duplicate circuit breaker name: %s", cb.Name)
		}
		seenBreakers[cb.Name] = true
	}

	seenLimits := make(map[string]bool)
	for i, rl := range cfg.RateLimits {
		if rl.Name == "" {
			return fmt.Errorf("rate_limits[%d].name is required", i)
		}
		if seenLimits[rl.Name] {
			return fmt.Errorf("duplicate rate limit name: %s", rl.Name)
		}
		seenLimits[rl.Name] = true
	}

	if cfg.RateLimitStore.Retention < 0 {
		return fmt.Errorf("rate_limit_store.retention must be non-negative")
	}
	if cfg.RateLimitStore.CleanupInterval < 0 {
		return fmt.Errorf("rate_limit_store.cleanup_interval must be non-negative")
	}

	seenRules := make(map[string]bool)
	for i, rule := range cfg.DegradationRules {
		if rule.Feature == "" {
			return fmt.Errorf("degradation_rules[%d].feature is required", i)
		}
		if rule.Fallback == "" {
			return fmt.Errorf("degradation_rules[%d].fallback is required", i)
		}
		if len(rule.Triggers) == 0 {
			return fmt.Errorf("degradation_rules[%d].triggers is required", i)
		}
		if seenRules[rule.Feature] {
			return fmt.Errorf("duplicate degradation rule feature: %s", rule.Feature)
		}
		seenRules[rule.Feature] = true
	}

	h := cfg.Health
	if h.CheckInterval <= 0 {
		return fmt.Errorf("health.check_interval must be positive")
	}
	if h.IncidentInterval <= 0 {
		return fmt.Errorf("health.incident_interval must be positive")
	}
	if h.ProbeTimeout <= 0 {
		return fmt.Errorf("health.probe_timeout must be positive")
	}
	if h.DegradedThreshold <= 0 {
		return fmt.Errorf("health.degraded_threshold must be positive")
	}
	seenDeps := make(map[string]bool)
	for i, dep := range h.Dependencies {
		if dep.Name == "" {
			return fmt.Errorf("health.dependencies[%d].name is required", i)
		}
		if dep.Address == "" {
			return fmt.Errorf("health.dependencies[%d].address is required", i)
		}
		if seenDeps[dep.Name] {
			return fmt.Errorf("duplicate health dependency name: %s", dep.Name)
		}
		seenDeps[dep.Name] = true
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	for _, rl := range cfg.RateLimits {
		black := make(map[string]bool, len(rl.Blacklist))
		for _, id := range rl.Blacklist {
			black[id] = true
		}
		for _, id := range rl.Whitelist {
			if black[id] {
				warnings = append(warnings,
					fmt.Sprintf("rate_limits %q: client %q is both whitelisted and blacklisted; blacklist wins", rl.Name, id))
			}
		}
	}
	for _, cb := range cfg.CircuitBreakers {
		if strings.Contains(cb.BusinessImpact, "${") {
			warnings = append(warnings,
				fmt.Sprintf("circuit_breakers %q: business_impact contains unresolved environment variable", cb.Name))
		}
	}
	return warnings
}
