package health

import (
	"time"

	"github.com/dskow/resilience-core/alert"
)

// IncidentStatus is the incident lifecycle state. The only transition is
// open → resolved, via auto-resolution.
type IncidentStatus int

const (
	IncidentOpen IncidentStatus = iota
	IncidentResolved
)

// String returns a human-readable status name.
func (s IncidentStatus) String() string {
	switch s {
	case IncidentOpen:
		return "open"
	case IncidentResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// TimelineEntry is one event in an incident's history.
type TimelineEntry struct {
	At      time.Time
	Event   string
	Details string
}

// Incident records a detected dependency failure. Owned exclusively by the
// orchestrator; external readers get copies.
type Incident struct {
	ID               string
	Title            string
	Severity         alert.Severity
	Status           IncidentStatus
	CreatedAt        time.Time
	ResolvedAt       time.Time
	ServicesAffected []string
	Description      string
	Timeline         []TimelineEntry
	MTTRTarget       time.Duration
}

// MTTR returns the time from creation to resolution, or zero while open.
func (i *Incident) MTTR() time.Duration {
	if i.Status != IncidentResolved {
		return 0
	}
	return i.ResolvedAt.Sub(i.CreatedAt)
}

func (i *Incident) affects(service string) bool {
	for _, s := range i.ServicesAffected {
		if s == service {
			return true
		}
	}
	return false
}

// clone returns a deep copy safe to hand to readers.
func (i *Incident) clone() Incident {
	c := *i
	c.ServicesAffected = append([]string(nil), i.ServicesAffected...)
	c.Timeline = append([]TimelineEntry(nil), i.Timeline...)
	return c
}

// mttrTarget maps incident severity to its recovery-time objective.
func mttrTarget(severity alert.Severity) time.Duration {
	switch severity {
	case alert.SeverityCritical:
		return 30 * time.Minute
	case alert.SeverityHigh:
		return time.Hour
	case alert.SeverityMedium:
		return 2 * time.Hour
	default:
		return 4 * time.Hour
	}
}
