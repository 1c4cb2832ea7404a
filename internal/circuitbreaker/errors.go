package circuitbreaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open. Callers can
// use it to apply fallback logic instead of treating the rejection as a
// downstream failure.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when the half-open trial concurrency
// bound is exceeded.
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// OpenError is the rejection raised on the open short-circuit path. It
// names the protected target and carries the time at which a trial call
// will next be allowed, suitable for Retry-After hints.
type OpenError struct {
	// Name is the breaker name identifying the protected target.
	Name string

	// RetryAt is when the circuit next allows a trial call.
	RetryAt time.Time
}

// Error implements error.
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open until %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

// Unwrap makes errors.Is(err, ErrCircuitOpen) hold for OpenError.
func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryAfter returns the remaining cool-down relative to now, floored at
// zero.
func (e *OpenError) RetryAfter(now time.Time) time.Duration {
	if d := e.RetryAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
