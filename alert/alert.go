// Package alert defines the notification sink invoked on circuit breaker
// open and incident lifecycle events. Implementations typically forward to a
// paging or chat integration. Notifier failures must never block a control
// loop: callers log and discard the returned error.
package alert

import "log/slog"

// Severity classifies the urgency of a notification.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns a human-readable severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Notifier is the sink for resilience alerts.
type Notifier interface {
	Notify(severity Severity, title, details string) error
}

// Func adapts a plain function to the Notifier interface.
type Func func(severity Severity, title, details string) error

// Notify implements Notifier.
func (f Func) Notify(severity Severity, title, details string) error {
	return f(severity, title, details)
}

// Nop is a Notifier that discards all notifications.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(Severity, string, string) error { return nil }

// Slog is a Notifier that writes notifications to a structured logger.
// Useful as a default sink when no paging integration is configured.
type Slog struct {
	logger *slog.Logger
}

// NewSlog creates a logger-backed Notifier.
func NewSlog(logger *slog.Logger) *Slog {
	return &Slog{logger: logger}
}

// Notify implements Notifier. Critical and high severities log at Error and
// Warn respectively; everything else logs at Info.
func (s *Slog) Notify(severity Severity, title, details string) error {
	switch severity {
	case SeverityCritical:
		s.logger.Error("alert", "severity", severity.String(), "title", title, "details", details)
	case SeverityHigh:
		s.logger.Warn("alert", "severity", severity.String(), "title", title, "details", details)
	default:
		s.logger.Info("alert", "severity", severity.String(), "title", title, "details", details)
	}
	return nil
}
