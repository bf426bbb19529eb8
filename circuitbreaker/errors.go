package circuitbreaker

import (
	"errors"
	"fmt"
)

// ErrOpen is the sentinel matched by errors.Is when a call is rejected
// because the circuit is open or a half-open probe is already in flight.
// Callers should treat it as "dependency unavailable" and serve a fallback;
// it is expected and frequent under load, not a bug signal.
var ErrOpen = errors.New("circuit breaker open")

// ErrConcurrencyLimit is the sentinel matched by errors.Is when a call is
// rejected because the breaker's in-flight concurrency cap is reached.
var ErrConcurrencyLimit = errors.New("circuit breaker concurrency limit reached")

// OpenError reports a rejection by an open or probing breaker. The wrapped
// call was never invoked.
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// Is makes errors.Is(err, ErrOpen) match.
func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// ConcurrencyLimitError reports a rejection by a breaker's in-flight cap.
type ConcurrencyLimitError struct {
	Name  string
	Limit int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("circuit breaker %q concurrency limit %d reached", e.Name, e.Limit)
}

// Is makes errors.Is(err, ErrConcurrencyLimit) match.
func (e *ConcurrencyLimitError) Is(target error) bool { return target == ErrConcurrencyLimit }

// DuplicateNameError reports an attempt to register two breakers under the
// same name. This is a configuration error, fatal at startup.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("circuit breaker %q already registered", e.Name)
}
