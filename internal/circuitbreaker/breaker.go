package circuitbreaker

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/guardrail/internal/store"
)

// tracerName identifies spans emitted by this package.
const tracerName = "github.com/vyrodovalexey/guardrail/internal/circuitbreaker"

// CircuitBreaker guards calls to a named target. The instance itself is a
// stateless accessor: the authoritative state lives in the shared state
// store under the breaker's name, so concurrent compute instances
// coordinate through the same record. Updates are read-modify-write with
// no locking; concurrent writers may race and the last writer wins, which
// is an accepted property of the design.
type CircuitBreaker struct {
	name   string
	config *Config
	store  store.Store
	logger *zap.Logger
	tracer trace.Tracer

	// now is a seam for tests.
	now func() time.Time

	// halfOpenInflight bounds concurrent trials within this process.
	halfOpenInflight atomic.Int32
}

// New creates a circuit breaker for the named target backed by the given
// shared state store.
func New(name string, st store.Store, config *Config, logger *zap.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	_ = config.Validate()

	if logger == nil {
		logger = zap.NewNop()
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		store:  st,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// stateKey is the shared state store key for the breaker snapshot.
func (cb *CircuitBreaker) stateKey() string {
	return "circuit:" + cb.name + ":state"
}

// requestsKey is the shared state store key for the volume counter.
func (cb *CircuitBreaker) requestsKey() string {
	return "circuit:" + cb.name + ":requests"
}

// Execute runs fn with circuit breaker protection.
//
// The persisted state is read before dispatch and written after; fn's
// error is returned unchanged on the closed and half-open paths, while the
// open short-circuit path returns an *OpenError without invoking fn. If
// the shared state store is unreachable the breaker degrades to
// pass-through rather than blocking traffic.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := cb.tracer.Start(ctx, "circuitbreaker.execute",
		trace.WithAttributes(attribute.String("breaker.name", cb.name)),
	)
	defer span.End()

	snap, ok := cb.loadSnapshot(ctx)
	if !ok {
		// Store unreachable: fail open toward availability.
		span.SetAttributes(attribute.String("breaker.mode", "passthrough"))
		return fn(ctx)
	}

	volume, volumeKnown := cb.incrementVolume(ctx)
	now := cb.now()

	if snap.State == StateOpen {
		if now.UnixMilli() < snap.NextRetryTime {
			span.SetAttributes(attribute.String("breaker.state", StateOpen.String()))
			recordRequest(cb.name, false)
			return &OpenError{Name: cb.name, RetryAt: time.UnixMilli(snap.NextRetryTime)}
		}

		// Cool-down elapsed: trial the target with the current call.
		cb.transition(snap, StateHalfOpen, now)
		cb.persist(ctx, snap)
	}

	span.SetAttributes(attribute.String("breaker.state", snap.State.String()))

	if snap.State == StateClosed && volumeKnown && volume < int64(cb.config.VolumeThreshold) {
		// Thin traffic: a new or low-volume target is never tripped, so
		// dispatch directly without breaker bookkeeping.
		recordRequest(cb.name, true)
		return fn(ctx)
	}

	if snap.State == StateHalfOpen {
		if !cb.acquireTrial() {
			recordRequest(cb.name, false)
			return ErrTooManyRequests
		}
		defer cb.releaseTrial()
	}

	recordRequest(cb.name, true)

	err := fn(ctx)

	if cb.isSuccessful(err) {
		cb.recordSuccess(ctx, snap)
	} else {
		span.SetAttributes(attribute.Bool("breaker.failure", true))
		cb.recordFailure(ctx, snap)
	}

	return err
}

// ExecuteWithFallback runs fn with circuit breaker protection, invoking
// fallback when the call is rejected by the breaker itself. Downstream
// failures are not routed to the fallback.
func (cb *CircuitBreaker) ExecuteWithFallback(
	ctx context.Context,
	fn func(ctx context.Context) error,
	fallback func(err error) error,
) error {
	err := cb.Execute(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests) {
		return fallback(err)
	}
	return err
}

// recordSuccess applies a successful outcome to the snapshot and persists it.
func (cb *CircuitBreaker) recordSuccess(ctx context.Context, snap *Snapshot) {
	snap.TotalRequests++
	snap.Successes++

	RecordSuccess(cb.name)

	switch snap.State {
	case StateHalfOpen:
		snap.ConsecutiveSuccesses++
		if snap.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transition(snap, StateClosed, cb.now())
		}

	case StateClosed:
		// Sporadic failures recover without opening the circuit.
		if snap.Failures > 0 {
			snap.Failures = 0
		}
	}

	cb.persist(ctx, snap)
}

// recordFailure applies a failed outcome to the snapshot and persists it.
func (cb *CircuitBreaker) recordFailure(ctx context.Context, snap *Snapshot) {
	now := cb.now()

	snap.TotalRequests++
	snap.Failures++
	snap.LastFailureTime = now.UnixMilli()

	RecordFailure(cb.name)

	switch snap.State {
	case StateClosed:
		if snap.Failures >= cb.config.FailureThreshold {
			cb.transition(snap, StateOpen, now)
		}

	case StateHalfOpen:
		// A single failure during trial reopens the circuit.
		cb.transition(snap, StateOpen, now)
	}

	cb.persist(ctx, snap)
}

// transition moves the snapshot to a new state, applying the counter
// resets the state machine requires.
func (cb *CircuitBreaker) transition(snap *Snapshot, to State, now time.Time) {
	from := snap.State
	snap.State = to

	switch to {
	case StateClosed:
		snap.Failures = 0
		snap.ConsecutiveSuccesses = 0
		snap.NextRetryTime = 0

	case StateOpen:
		snap.ConsecutiveSuccesses = 0
		snap.NextRetryTime = now.Add(cb.config.Timeout).UnixMilli()

	case StateHalfOpen:
		snap.ConsecutiveSuccesses = 0
		snap.NextRetryTime = 0
	}

	RecordStateChange(cb.name, from, to)

	cb.logger.Info("circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.name, from, to)
	}
}

// loadSnapshot reads the persisted breaker state. A missing record yields
// the zeroed closed snapshot. ok is false only when the store itself
// failed, in which case the caller must degrade to pass-through.
func (cb *CircuitBreaker) loadSnapshot(ctx context.Context) (*Snapshot, bool) {
	value, err := cb.store.Get(ctx, cb.stateKey())
	if err != nil {
		if store.IsKeyNotFound(err) {
			return &Snapshot{State: StateClosed}, true
		}

		RecordStoreError(cb.name, "get")
		cb.logger.Warn("circuit breaker state read failed, passing through",
			zap.String("name", cb.name),
			zap.Error(err),
		)
		return nil, false
	}

	snap, err := DecodeSnapshot(value)
	if err != nil {
		// Corrupt state is discarded rather than trusted.
		RecordStoreError(cb.name, "decode")
		cb.logger.Warn("circuit breaker state corrupt, resetting",
			zap.String("name", cb.name),
			zap.Error(err),
		)
		return &Snapshot{State: StateClosed}, true
	}

	return snap, true
}

// persist writes the snapshot back with the monitoring period TTL. Write
// failures are logged and never abort the guarded call.
func (cb *CircuitBreaker) persist(ctx context.Context, snap *Snapshot) {
	value, err := EncodeSnapshot(snap)
	if err != nil {
		RecordStoreError(cb.name, "encode")
		cb.logger.Warn("circuit breaker state encode failed",
			zap.String("name", cb.name),
			zap.Error(err),
		)
		return
	}

	if err := cb.store.Put(ctx, cb.stateKey(), value, cb.config.MonitoringPeriod); err != nil {
		RecordStoreError(cb.name, "put")
		cb.logger.Warn("circuit breaker state write failed",
			zap.String("name", cb.name),
			zap.Error(err),
		)
	}
}

// incrementVolume bumps the request volume counter for the monitoring
// window. known is false when the store failed, which disables volume
// gating for this call rather than affecting its outcome.
func (cb *CircuitBreaker) incrementVolume(ctx context.Context) (count int64, known bool) {
	if inc, ok := cb.store.(store.Incrementer); ok {
		n, err := inc.IncrementWithExpiry(ctx, cb.requestsKey(), 1, cb.config.MonitoringPeriod)
		if err != nil {
			RecordStoreError(cb.name, "increment")
			cb.logger.Warn("request volume increment failed",
				zap.String("name", cb.name),
				zap.Error(err),
			)
			return 0, false
		}
		return n, true
	}

	// Read-modify-write fallback for stores without atomic increments.
	// Lost updates only delay gating activation, which is acceptable.
	var current int64
	value, err := cb.store.Get(ctx, cb.requestsKey())
	switch {
	case err == nil:
		current, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			current = 0
		}
	case store.IsKeyNotFound(err):
		current = 0
	default:
		RecordStoreError(cb.name, "get")
		return 0, false
	}

	current++
	if err := cb.store.Put(ctx, cb.requestsKey(), strconv.FormatInt(current, 10), cb.config.MonitoringPeriod); err != nil {
		RecordStoreError(cb.name, "put")
		return 0, false
	}

	return current, true
}

// acquireTrial reserves a half-open trial slot.
func (cb *CircuitBreaker) acquireTrial() bool {
	for {
		current := cb.halfOpenInflight.Load()
		if current >= int32(cb.config.HalfOpenMaxInflight) {
			return false
		}
		if cb.halfOpenInflight.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// releaseTrial frees a half-open trial slot.
func (cb *CircuitBreaker) releaseTrial() {
	cb.halfOpenInflight.Add(-1)
}

// isSuccessful determines if the error should be counted as a success.
func (cb *CircuitBreaker) isSuccessful(err error) bool {
	if cb.config.IsSuccessful != nil {
		return cb.config.IsSuccessful(err)
	}
	return err == nil
}

// Status describes the breaker for operational dashboards.
type Status struct {
	Name                 string  `json:"name"`
	State                string  `json:"state"`
	Failures             int     `json:"failures"`
	Successes            int64   `json:"successes"`
	ConsecutiveSuccesses int     `json:"consecutiveSuccesses"`
	TotalRequests        int64   `json:"totalRequests"`
	FailureRate          float64 `json:"failureRate"`
	LastFailureTime      int64   `json:"lastFailureTime,omitempty"`
	NextRetryTime        int64   `json:"nextRetryTime,omitempty"`

	// Configured thresholds.
	FailureThreshold int    `json:"failureThreshold"`
	SuccessThreshold int    `json:"successThreshold"`
	Timeout          string `json:"timeout"`
	VolumeThreshold  int    `json:"volumeThreshold"`
	MonitoringPeriod string `json:"monitoringPeriod"`
}

// Status returns the current state, computed failure rate and configured
// thresholds. Store failures yield the zeroed closed view.
func (cb *CircuitBreaker) Status(ctx context.Context) Status {
	snap, ok := cb.loadSnapshot(ctx)
	if !ok {
		snap = &Snapshot{State: StateClosed}
	}

	return Status{
		Name:                 cb.name,
		State:                snap.State.String(),
		Failures:             snap.Failures,
		Successes:            snap.Successes,
		ConsecutiveSuccesses: snap.ConsecutiveSuccesses,
		TotalRequests:        snap.TotalRequests,
		FailureRate:          snap.FailureRate(),
		LastFailureTime:      snap.LastFailureTime,
		NextRetryTime:        snap.NextRetryTime,
		FailureThreshold:     cb.config.FailureThreshold,
		SuccessThreshold:     cb.config.SuccessThreshold,
		Timeout:              cb.config.Timeout.String(),
		VolumeThreshold:      cb.config.VolumeThreshold,
		MonitoringPeriod:     cb.config.MonitoringPeriod.String(),
	}
}

// Reset forces the breaker to the closed state with all counters zeroed.
func (cb *CircuitBreaker) Reset(ctx context.Context) error {
	snap := &Snapshot{State: StateClosed}

	value, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	if err := cb.store.Put(ctx, cb.stateKey(), value, cb.config.MonitoringPeriod); err != nil {
		RecordStoreError(cb.name, "put")
		return err
	}

	if err := cb.store.Delete(ctx, cb.requestsKey()); err != nil {
		RecordStoreError(cb.name, "delete")
		cb.logger.Warn("request volume counter delete failed",
			zap.String("name", cb.name),
			zap.Error(err),
		)
	}

	RecordState(cb.name, StateClosed)

	cb.logger.Info("circuit breaker reset",
		zap.String("name", cb.name),
	)

	return nil
}

// Trip forces the breaker open with a fresh cool-down.
func (cb *CircuitBreaker) Trip(ctx context.Context) error {
	snap, ok := cb.loadSnapshot(ctx)
	if !ok {
		snap = &Snapshot{State: StateClosed}
	}

	cb.transition(snap, StateOpen, cb.now())

	value, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	if err := cb.store.Put(ctx, cb.stateKey(), value, cb.config.MonitoringPeriod); err != nil {
		RecordStoreError(cb.name, "put")
		return err
	}

	cb.logger.Info("circuit breaker tripped",
		zap.String("name", cb.name),
	)

	return nil
}
