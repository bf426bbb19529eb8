// Package health runs the dependency health-check and incident loops. An
// orchestrator polls registered probes on a timer, proactively resets
// circuit breakers on recovery, tracks incidents through their lifecycle,
// and exposes the aggregate dashboard snapshot.
package health

import (
	"context"
	"net"
	"time"
)

// Status classifies a dependency's latest health check.
type Status int

// StatusUnknown is deliberately the zero value: a zero-valued Check must
// never read as healthy.
const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusDegraded
	StatusUnhealthy
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Check is the result of one dependency probe. A dependency has exactly one
// Check at a time; each poll cycle overwrites the previous one.
type Check struct {
	Name         string
	Status       Status
	ResponseTime time.Duration
	LastCheck    time.Time
	Error        string
	Metadata     map[string]string
}

// ProbeFunc tests one dependency. A nil return means the dependency
// answered; the orchestrator measures latency and classifies the result.
// Probes must honor ctx cancellation.
type ProbeFunc func(ctx context.Context) error

// TCPProbe returns a probe that dials the given host:port address. Useful
// for databases and upstream services without a lighter status endpoint.
func TCPProbe(addr string) ProbeFunc {
	return func(ctx context.Context) error {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
