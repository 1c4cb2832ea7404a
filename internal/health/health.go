// Package health provides liveness and readiness probes for hosts
// embedding the resilience layer. Readiness reflects the shared state
// store: a host whose store is unreachable still serves traffic (breakers
// degrade to pass-through) but reports degraded so operators can see the
// coordination loss.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/guardrail/internal/store"
)

// Status represents a probe outcome.
type Status string

const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy Status = "healthy"

	// StatusUnhealthy indicates the component is not operational.
	StatusUnhealthy Status = "unhealthy"

	// StatusDegraded indicates the component is operational with reduced
	// guarantees.
	StatusDegraded Status = "degraded"
)

// DefaultCheckTimeout bounds each readiness check.
const DefaultCheckTimeout = 5 * time.Second

// Check is one readiness check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc performs a readiness check. A nil error is healthy; a non-nil
// error is reported with the configured severity.
type CheckFunc func(ctx context.Context) error

// LivenessResponse is the liveness probe payload.
type LivenessResponse struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse is the readiness probe payload.
type ReadinessResponse struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// registeredCheck pairs a check with its failure severity.
type registeredCheck struct {
	fn       CheckFunc
	critical bool
}

// Checker aggregates readiness checks for one process.
type Checker struct {
	version      string
	startTime    time.Time
	checkTimeout time.Duration

	mu     sync.RWMutex
	checks map[string]registeredCheck
}

// NewChecker creates a health checker.
func NewChecker(version string) *Checker {
	return &Checker{
		version:      version,
		startTime:    time.Now(),
		checkTimeout: DefaultCheckTimeout,
		checks:       make(map[string]registeredCheck),
	}
}

// Register adds a critical readiness check. A failing critical check makes
// the process unready.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.register(name, fn, true)
}

// RegisterNonCritical adds a readiness check whose failure only degrades
// the reported status.
func (c *Checker) RegisterNonCritical(name string, fn CheckFunc) {
	c.register(name, fn, false)
}

func (c *Checker) register(name string, fn CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registeredCheck{fn: fn, critical: critical}
}

// Unregister removes a readiness check.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// Liveness reports process liveness. It never runs checks: a live process
// with broken dependencies is still live.
func (c *Checker) Liveness() LivenessResponse {
	return LivenessResponse{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
	}
}

// Readiness runs every registered check and aggregates the results. A
// failed critical check yields unhealthy, a failed non-critical check
// yields degraded.
func (c *Checker) Readiness(ctx context.Context) ReadinessResponse {
	c.mu.RLock()
	checks := make(map[string]registeredCheck, len(c.checks))
	for name, rc := range c.checks {
		checks[name] = rc
	}
	c.mu.RUnlock()

	response := ReadinessResponse{
		Status:    StatusHealthy,
		Checks:    make(map[string]Check, len(checks)),
		Timestamp: time.Now(),
	}

	for name, rc := range checks {
		result := c.runCheck(ctx, name, rc)
		response.Checks[name] = result

		switch {
		case result.Status == StatusUnhealthy:
			response.Status = StatusUnhealthy
		case result.Status == StatusDegraded && response.Status != StatusUnhealthy:
			response.Status = StatusDegraded
		}
	}

	return response
}

// runCheck executes one check under the probe timeout.
func (c *Checker) runCheck(ctx context.Context, name string, rc registeredCheck) Check {
	checkCtx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	start := time.Now()
	err := rc.fn(checkCtx)
	recordCheck(name, err == nil, time.Since(start))

	if err == nil {
		return Check{Status: StatusHealthy}
	}
	if rc.critical {
		return Check{Status: StatusUnhealthy, Message: err.Error()}
	}
	return Check{Status: StatusDegraded, Message: err.Error()}
}

// StoreCheck probes the shared state store with a read of a well-known
// key. A missing key is healthy; only store errors fail the check.
func StoreCheck(st store.Store) CheckFunc {
	return func(ctx context.Context) error {
		_, err := st.Get(ctx, "health:probe")
		if err != nil && !store.IsKeyNotFound(err) {
			return err
		}
		return nil
	}
}
