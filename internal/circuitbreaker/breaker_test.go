package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/guardrail/internal/store"
)

var errDownstream = errors.New("downstream failed")

// fakeClock drives the breaker's time seam.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(t *testing.T, config *Config) (*CircuitBreaker, *fakeClock, *store.MemoryStore) {
	t.Helper()

	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	clk := newFakeClock()
	cb := New("test-target", st, config, nil)
	cb.now = clk.Now

	return cb, clk, st
}

func failAlways(ctx context.Context) error { return errDownstream }
func succeedAlways(ctx context.Context) error { return nil }

func TestExecute_SuccessPassesThrough(t *testing.T) {
	t.Parallel()

	cb, _, _ := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		VolumeThreshold:  1,
	})

	calls := 0
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed.String(), cb.Status(context.Background()).State)
}

func TestExecute_DownstreamErrorReturnedUnchanged(t *testing.T) {
	t.Parallel()

	cb, _, _ := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		VolumeThreshold:  1,
	})

	err := cb.Execute(context.Background(), failAlways)
	assert.ErrorIs(t, err, errDownstream)
}

func TestExecute_OpensAtFailureThreshold(t *testing.T) {
	t.Parallel()

	cb, clk, _ := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		VolumeThreshold:  1,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, failAlways)
		assert.ErrorIs(t, err, errDownstream)
	}

	status := cb.Status(ctx)
	assert.Equal(t, StateOpen.String(), status.State)
	assert.Equal(t, clk.Now().Add(time.Second).UnixMilli(), status.NextRetryTime)

	// The next call is rejected without touching the downstream.
	calls := 0
	err := cb.Execute(ctx, func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "test-target", openErr.Name)
	assert.Equal(t, clk.Now().Add(time.Second).UnixMilli(), openErr.RetryAt.UnixMilli())
	assert.Equal(t, time.Second, openErr.RetryAfter(clk.Now()))
}

func TestExecute_BelowFailureThresholdStaysClosed(t *testing.T) {
	t.Parallel()

	cb, _, _ := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		VolumeThreshold:  1,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, failAlways)
	}

	status := cb.Status(ctx)
	assert.Equal(t, StateClosed.String(), status.State)
	assert.Equal(t, 2, status.Failures)
}

func TestExecute_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	cb, _, _ := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		VolumeThreshold:  1,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, failAlways)
	_ = cb.Execute(ctx, failAlways)
	require.NoError(t, cb.Execute(ctx, succeedAlways))

	status := cb.Status(ctx)
	assert.Equal(t, StateClosed.String(), status.State)
	assert.Zero(t, status.Failures, "a success while closed resets the failure streak")

	// Two more failures are again below the threshold.
	_ = cb.Execute(ctx, failAlways)
	_ = cb.Execute(ctx, failAlways)
	assert.Equal(t, StateClosed.String(), cb.Status(ctx).State)
}

func TestExecute_HalfOpenAfterCooldown(t *testing.T) {
	t.Parallel()

	cb, clk, _ := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		VolumeThreshold:  1,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, failAlways)
	}
	require.Equal(t, StateOpen.String(), cb.Status(ctx).State)

	// Just before the cool-down elapses the call is still rejected.
	clk.Advance(999 * time.Millisecond)
	calls := 0
	err := cb.Execute(ctx, func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)

	// At the deadline the call becomes the trial.
	clk.Advance(time.Millisecond)
	err = cb.Execute(ctx, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateHalfOpen.String(), cb.Status(ctx).State)
}

func TestExecute_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	cb, clk, _ := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		VolumeThreshold:  1,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, failAlways)
	}
	firstDeadline := cb.Status(ctx).NextRetryTime

	clk.Advance(time.Second)
	err := cb.Execute(ctx, failAlways)
	assert.ErrorIs(t, err, errDownstream)

	status := cb.Status(ctx)
	assert.Equal(t, StateOpen.String(), status.State)
	assert.Greater(t, status.NextRetryTime, firstDeadline,
		"reopening must schedule a strictly later trial")
}

func TestExecute_HalfOpenClosesAtSuccessThreshold(t *testing.T) {
	t.Parallel()

	cb, clk, _ := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		VolumeThreshold:  1,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, failAlways)
	}
	clk.Advance(time.Second)

	require.NoError(t, cb.Execute(ctx, succeedAlways))
	status := cb.Status(ctx)
	assert.Equal(t, StateHalfOpen.String(), status.State)
	assert.Equal(t, 1, status.ConsecutiveSuccesses)

	require.NoError(t, cb.Execute(ctx, succeedAlways))
	status = cb.Status(ctx)
	assert.Equal(t, StateClosed.String(), status.State)
	assert.Zero(t, status.Failures)
	assert.Zero(t, status.ConsecutiveSuccesses)
	assert.Zero(t, status.NextRetryTime)
}

func TestExecute_VolumeGating(t *testing.T) {
	t.Parallel()

	cb, _, _ := newTestBreaker(t, &Config{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		VolumeThreshold:  5,
	})
	ctx := context.Background()

	// Below the volume threshold failures pass through without bookkeeping.
	for i := 0; i < 4; i++ {
		err := cb.Execute(ctx, failAlways)
		assert.ErrorIs(t, err, errDownstream)
	}

	status := cb.Status(ctx)
	assert.Equal(t, StateClosed.String(), status.State)
	assert.Zero(t, status.Failures, "gated calls are not counted")

	// Once volume reaches the threshold, bookkeeping resumes and the
	// breaker can open.
	_ = cb.Execute(ctx, failAlways)
	_ = cb.Execute(ctx, failAlways)
	assert.Equal(t, StateOpen.String(), cb.Status(ctx).State)
}

func TestExecute_VolumeGatingNeverSuppressesOpen(t *testing.T) {
	t.Parallel()

	cb, _, _ := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Hour,
		VolumeThreshold:  100,
	})
	ctx := context.Background()

	require.NoError(t, cb.Trip(ctx))

	calls := 0
	err := cb.Execute(ctx, func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls, "an open circuit rejects even below the volume threshold")
}

func TestExecute_HalfOpenTrialConcurrencyBound(t *testing.T) {
	t.Parallel()

	cb, clk, _ := newTestBreaker(t, &Config{
		FailureThreshold:    1,
		SuccessThreshold:    2,
		Timeout:             time.Second,
		VolumeThreshold:     1,
		HalfOpenMaxInflight: 1,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, failAlways)
	require.Equal(t, StateOpen.String(), cb.Status(ctx).State)
	clk.Advance(time.Second)

	trialStarted := make(chan struct{})
	trialRelease := make(chan struct{})
	trialDone := make(chan error, 1)

	go func() {
		trialDone <- cb.Execute(ctx, func(ctx context.Context) error {
			close(trialStarted)
			<-trialRelease
			return nil
		})
	}()

	<-trialStarted

	// A second call while the trial is inflight is rejected.
	err := cb.Execute(ctx, succeedAlways)
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(trialRelease)
	require.NoError(t, <-trialDone)

	// The slot is released once the trial completes.
	require.NoError(t, cb.Execute(ctx, succeedAlways))
	assert.Equal(t, StateClosed.String(), cb.Status(ctx).State)
}

func TestExecute_StoreOutagePassesThrough(t *testing.T) {
	t.Parallel()

	cb := New("test-target", &brokenStore{}, &Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		VolumeThreshold:  1,
	}, nil)
	ctx := context.Background()

	calls := 0
	err := cb.Execute(ctx, func(ctx context.Context) error {
		calls++
		return errDownstream
	})

	assert.ErrorIs(t, err, errDownstream, "the downstream error is surfaced, not the store error")
	assert.Equal(t, 1, calls, "store outage degrades to pass-through")
}

func TestExecute_CorruptStateDiscarded(t *testing.T) {
	t.Parallel()

	cb, _, st := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		VolumeThreshold:  1,
	})
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "circuit:test-target:state", "not json", time.Minute))

	calls := 0
	err := cb.Execute(ctx, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed.String(), cb.Status(ctx).State)
}

func TestExecute_PersistFailureDoesNotAbortCall(t *testing.T) {
	t.Parallel()

	inner := store.NewMemoryStore()
	t.Cleanup(func() { _ = inner.Close() })

	fs := &flakyStore{Store: inner}
	cb := New("test-target", fs, &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		VolumeThreshold:  1,
	}, nil)
	ctx := context.Background()

	fs.failPuts.Store(true)

	err := cb.Execute(ctx, succeedAlways)
	assert.NoError(t, err, "state write failures never fail the guarded call")
}

func TestExecute_SharedStateAcrossInstances(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	config := &Config{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          time.Hour,
		VolumeThreshold:  1,
	}

	// Two instances guarding the same target name, as two compute
	// instances would.
	first := New("shared-target", st, config, nil)
	second := New("shared-target", st, config, nil)
	ctx := context.Background()

	_ = first.Execute(ctx, failAlways)
	_ = second.Execute(ctx, failAlways)

	// The second instance's failure tripped the shared record; both
	// instances now reject.
	assert.ErrorIs(t, first.Execute(ctx, succeedAlways), ErrCircuitOpen)
	assert.ErrorIs(t, second.Execute(ctx, succeedAlways), ErrCircuitOpen)
}

func TestExecute_IsSuccessfulOverride(t *testing.T) {
	t.Parallel()

	config := &Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
		VolumeThreshold:  1,
		IsSuccessful: func(err error) bool {
			// Downstream errors of this class are expected and healthy.
			return err == nil || errors.Is(err, errDownstream)
		},
	}

	cb, _, _ := newTestBreaker(t, config)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, failAlways)
		assert.ErrorIs(t, err, errDownstream)
	}

	assert.Equal(t, StateClosed.String(), cb.Status(ctx).State)
}

func TestExecute_OnStateChangeCallback(t *testing.T) {
	t.Parallel()

	type change struct {
		from, to State
	}
	changes := make(chan change, 8)

	config := &Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		VolumeThreshold:  1,
		OnStateChange: func(name string, from, to State) {
			changes <- change{from: from, to: to}
		},
	}

	cb, clk, _ := newTestBreaker(t, config)
	ctx := context.Background()

	_ = cb.Execute(ctx, failAlways)
	clk.Advance(time.Second)
	_ = cb.Execute(ctx, succeedAlways)

	want := []change{
		{from: StateClosed, to: StateOpen},
		{from: StateOpen, to: StateHalfOpen},
		{from: StateHalfOpen, to: StateClosed},
	}
	for _, w := range want {
		select {
		case got := <-changes:
			assert.Equal(t, w, got)
		case <-time.After(time.Second):
			t.Fatalf("missing state change %s -> %s", w.from, w.to)
		}
	}
}

func TestExecuteWithFallback(t *testing.T) {
	t.Parallel()

	t.Run("fallback on open circuit", func(t *testing.T) {
		t.Parallel()

		cb, _, _ := newTestBreaker(t, &Config{
			FailureThreshold: 1,
			SuccessThreshold: 1,
			Timeout:          time.Hour,
			VolumeThreshold:  1,
		})
		ctx := context.Background()

		_ = cb.Execute(ctx, failAlways)

		fallbackCalled := false
		err := cb.ExecuteWithFallback(ctx, succeedAlways, func(err error) error {
			fallbackCalled = true
			assert.ErrorIs(t, err, ErrCircuitOpen)
			return nil
		})

		require.NoError(t, err)
		assert.True(t, fallbackCalled)
	})

	t.Run("downstream failures bypass the fallback", func(t *testing.T) {
		t.Parallel()

		cb, _, _ := newTestBreaker(t, &Config{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          time.Hour,
			VolumeThreshold:  1,
		})

		fallbackCalled := false
		err := cb.ExecuteWithFallback(context.Background(), failAlways, func(err error) error {
			fallbackCalled = true
			return nil
		})

		assert.ErrorIs(t, err, errDownstream)
		assert.False(t, fallbackCalled)
	})
}

func TestReset(t *testing.T) {
	t.Parallel()

	cb, _, st := newTestBreaker(t, &Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
		VolumeThreshold:  1,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, failAlways)
	require.Equal(t, StateOpen.String(), cb.Status(ctx).State)

	require.NoError(t, cb.Reset(ctx))

	status := cb.Status(ctx)
	assert.Equal(t, StateClosed.String(), status.State)
	assert.Zero(t, status.Failures)
	assert.Zero(t, status.TotalRequests)

	_, err := st.Get(ctx, "circuit:test-target:requests")
	assert.True(t, store.IsKeyNotFound(err), "reset clears the volume counter")

	// Traffic flows again.
	require.NoError(t, cb.Execute(ctx, succeedAlways))
}

func TestTrip(t *testing.T) {
	t.Parallel()

	cb, clk, _ := newTestBreaker(t, &Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		VolumeThreshold:  1,
	})
	ctx := context.Background()

	require.NoError(t, cb.Trip(ctx))

	status := cb.Status(ctx)
	assert.Equal(t, StateOpen.String(), status.State)
	assert.Equal(t, clk.Now().Add(time.Second).UnixMilli(), status.NextRetryTime)

	err := cb.Execute(ctx, succeedAlways)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestStatus_ReportsConfiguredThresholds(t *testing.T) {
	t.Parallel()

	cb, _, _ := newTestBreaker(t, &Config{
		FailureThreshold: 7,
		SuccessThreshold: 4,
		Timeout:          30 * time.Second,
		VolumeThreshold:  12,
		MonitoringPeriod: 2 * time.Minute,
	})

	status := cb.Status(context.Background())
	assert.Equal(t, "test-target", status.Name)
	assert.Equal(t, 7, status.FailureThreshold)
	assert.Equal(t, 4, status.SuccessThreshold)
	assert.Equal(t, "30s", status.Timeout)
	assert.Equal(t, 12, status.VolumeThreshold)
	assert.Equal(t, "2m0s", status.MonitoringPeriod)
}

// TestExecute_RecoveryScenario walks the full lifecycle: trip on repeated
// failures, reject during cool-down, trial after the deadline, reopen on a
// failed trial, then recover through consecutive successes.
func TestExecute_RecoveryScenario(t *testing.T) {
	t.Parallel()

	cb, clk, _ := newTestBreaker(t, &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		VolumeThreshold:  1,
	})
	ctx := context.Background()

	// Three failures open the circuit.
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, failAlways), errDownstream)
	}
	assert.Equal(t, StateOpen.String(), cb.Status(ctx).State)

	// Rejected during cool-down.
	assert.ErrorIs(t, cb.Execute(ctx, succeedAlways), ErrCircuitOpen)

	// Failed trial reopens for a fresh cool-down.
	clk.Advance(time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, failAlways), errDownstream)
	assert.Equal(t, StateOpen.String(), cb.Status(ctx).State)
	assert.ErrorIs(t, cb.Execute(ctx, succeedAlways), ErrCircuitOpen)

	// Recovery: trial succeeds twice.
	clk.Advance(time.Second)
	require.NoError(t, cb.Execute(ctx, succeedAlways))
	require.NoError(t, cb.Execute(ctx, succeedAlways))
	assert.Equal(t, StateClosed.String(), cb.Status(ctx).State)
}

// brokenStore fails every operation, simulating a store outage.
type brokenStore struct{}

var errStoreDown = errors.New("store unavailable")

func (s *brokenStore) Get(ctx context.Context, key string) (string, error) { return "", errStoreDown }
func (s *brokenStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return errStoreDown
}
func (s *brokenStore) Delete(ctx context.Context, key string) error { return errStoreDown }
func (s *brokenStore) List(ctx context.Context, prefix string) ([]string, error) {
	return nil, errStoreDown
}
func (s *brokenStore) Close() error { return nil }

// flakyStore delegates to a real store but can be told to fail writes.
type flakyStore struct {
	store.Store
	failPuts atomic.Bool
}

func (s *flakyStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if s.failPuts.Load() {
		return errStoreDown
	}
	return s.Store.Put(ctx, key, value, ttl)
}
