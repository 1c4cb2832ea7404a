// Package circuitbreaker implements a named, store-backed circuit breaker
// for stateless, horizontally scaled environments. Breaker state lives in a
// shared key/value store with expiration, so independent compute instances
// guarding the same target converge on the same health signal.
package circuitbreaker

import (
	"time"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the number of failures in the closed state
	// before the circuit opens.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes needed to
	// close the circuit from the half-open state.
	SuccessThreshold int

	// Timeout is the cool-down duration the circuit stays open before a
	// trial call is allowed.
	Timeout time.Duration

	// VolumeThreshold is the minimum number of attempts in the monitoring
	// window before the breaker is allowed to open. Below it a closed
	// breaker passes traffic through without bookkeeping.
	VolumeThreshold int

	// MonitoringPeriod is the TTL for persisted state and volume records.
	MonitoringPeriod time.Duration

	// HalfOpenMaxInflight bounds concurrent trial calls in the half-open
	// state within this process. Excess trials are rejected with
	// ErrTooManyRequests.
	HalfOpenMaxInflight int

	// IsSuccessful determines if an error should be counted as a success.
	// If nil, all non-nil errors are counted as failures.
	IsSuccessful func(err error) bool

	// OnStateChange is called when the circuit breaker state changes.
	OnStateChange func(name string, from, to State)
}

// Default configuration values.
const (
	DefaultFailureThreshold    = 5
	DefaultSuccessThreshold    = 3
	DefaultTimeout             = 60 * time.Second
	DefaultVolumeThreshold     = 10
	DefaultMonitoringPeriod    = 60 * time.Second
	DefaultHalfOpenMaxInflight = 1
)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:    DefaultFailureThreshold,
		SuccessThreshold:    DefaultSuccessThreshold,
		Timeout:             DefaultTimeout,
		VolumeThreshold:     DefaultVolumeThreshold,
		MonitoringPeriod:    DefaultMonitoringPeriod,
		HalfOpenMaxInflight: DefaultHalfOpenMaxInflight,
	}
}

// Validate normalizes out-of-range values to defaults.
func (c *Config) Validate() error {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.Timeout < time.Millisecond {
		c.Timeout = DefaultTimeout
	}
	if c.VolumeThreshold < 1 {
		c.VolumeThreshold = DefaultVolumeThreshold
	}
	if c.MonitoringPeriod < time.Second {
		c.MonitoringPeriod = DefaultMonitoringPeriod
	}
	if c.HalfOpenMaxInflight < 1 {
		c.HalfOpenMaxInflight = DefaultHalfOpenMaxInflight
	}
	return nil
}

// WithFailureThreshold sets the failure threshold.
func (c *Config) WithFailureThreshold(n int) *Config {
	c.FailureThreshold = n
	return c
}

// WithSuccessThreshold sets the success threshold.
func (c *Config) WithSuccessThreshold(n int) *Config {
	c.SuccessThreshold = n
	return c
}

// WithTimeout sets the open-state cool-down duration.
func (c *Config) WithTimeout(d time.Duration) *Config {
	c.Timeout = d
	return c
}

// WithVolumeThreshold sets the request volume threshold.
func (c *Config) WithVolumeThreshold(n int) *Config {
	c.VolumeThreshold = n
	return c
}

// WithMonitoringPeriod sets the state and counter TTL.
func (c *Config) WithMonitoringPeriod(d time.Duration) *Config {
	c.MonitoringPeriod = d
	return c
}

// WithHalfOpenMaxInflight sets the half-open trial concurrency bound.
func (c *Config) WithHalfOpenMaxInflight(n int) *Config {
	c.HalfOpenMaxInflight = n
	return c
}

// WithIsSuccessful sets the success check function.
func (c *Config) WithIsSuccessful(fn func(err error) bool) *Config {
	c.IsSuccessful = fn
	return c
}

// WithOnStateChange sets the state change callback.
func (c *Config) WithOnStateChange(fn func(name string, from, to State)) *Config {
	c.OnStateChange = fn
	return c
}
