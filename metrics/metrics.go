// Package metrics provides Prometheus instrumentation for the resilience
// core. All metric collectors are registered via the Init function and
// exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CircuitBreakerState reports the current state per service
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)

	// CircuitBreakerStateChanges counts state transitions by service.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_circuit_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)

	// CircuitBreakerRejections counts calls rejected without reaching the
	// dependency (open circuit, busy probe, or concurrency limit).
	CircuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_circuit_breaker_rejections_total",
			Help: "Total calls rejected by circuit breakers",
		},
		[]string{"service", "reason"},
	)

	// RateLimitRejections counts rate limit rejections by limiter.
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_rate_limit_rejections_total",
			Help: "Total rate limit rejections",
		},
		[]string{"limiter"},
	)

	// DegradationActive reports whether a feature is currently degraded
	// (1=degraded, 0=normal).
	DegradationActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_degradation_active",
			Help: "Whether a feature fallback is active (1=degraded)",
		},
		[]string{"feature"},
	)

	// OpenIncidents tracks the number of currently open incidents.
	OpenIncidents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilience_open_incidents",
			Help: "Number of currently open incidents",
		},
	)

	// HealthCheckDuration observes dependency probe latency in seconds.
	HealthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resilience_health_check_duration_seconds",
			Help:    "Dependency health probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// HealthStatus reports the latest health check classification per service
	// (0=unknown, 1=healthy, 2=degraded, 3=unhealthy).
	HealthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_health_status",
			Help: "Latest health check status (0=unknown, 1=healthy, 2=degraded, 3=unhealthy)",
		},
		[]string{"service"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		CircuitBreakerState,
		CircuitBreakerStateChanges,
		CircuitBreakerRejections,
		RateLimitRejections,
		DegradationActive,
		OpenIncidents,
		HealthCheckDuration,
		HealthStatus,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
