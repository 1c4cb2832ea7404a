package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/guardrail/internal/store"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.Equal(t, DefaultFailureThreshold, cfg.FailureThreshold)
	assert.Equal(t, DefaultSuccessThreshold, cfg.SuccessThreshold)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultVolumeThreshold, cfg.VolumeThreshold)
	assert.Equal(t, DefaultMonitoringPeriod, cfg.MonitoringPeriod)
	assert.Equal(t, DefaultHalfOpenMaxInflight, cfg.HalfOpenMaxInflight)
}

func TestConfig_Validate_NormalizesZeroValues(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultFailureThreshold, cfg.FailureThreshold)
	assert.Equal(t, DefaultSuccessThreshold, cfg.SuccessThreshold)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultVolumeThreshold, cfg.VolumeThreshold)
	assert.Equal(t, DefaultMonitoringPeriod, cfg.MonitoringPeriod)
	assert.Equal(t, DefaultHalfOpenMaxInflight, cfg.HalfOpenMaxInflight)
}

func TestConfig_Validate_NormalizesOutOfRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cfg   Config
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "negative volume threshold",
			cfg:  Config{VolumeThreshold: -1},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultVolumeThreshold, cfg.VolumeThreshold)
			},
		},
		{
			name: "negative failure threshold",
			cfg:  Config{FailureThreshold: -5},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultFailureThreshold, cfg.FailureThreshold)
			},
		},
		{
			name: "sub-millisecond timeout",
			cfg:  Config{Timeout: time.Microsecond},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultTimeout, cfg.Timeout)
			},
		},
		{
			name: "sub-second monitoring period",
			cfg:  Config{MonitoringPeriod: 100 * time.Millisecond},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultMonitoringPeriod, cfg.MonitoringPeriod)
			},
		},
		{
			name: "zero half-open inflight",
			cfg:  Config{HalfOpenMaxInflight: 0},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultHalfOpenMaxInflight, cfg.HalfOpenMaxInflight)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := tt.cfg
			require.NoError(t, cfg.Validate())
			tt.check(t, &cfg)
		})
	}
}

func TestConfig_Validate_KeepsExplicitValues(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		Timeout:             time.Millisecond,
		VolumeThreshold:     1,
		MonitoringPeriod:    time.Second,
		HalfOpenMaxInflight: 1,
	}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1, cfg.FailureThreshold)
	assert.Equal(t, 1, cfg.SuccessThreshold)
	assert.Equal(t, time.Millisecond, cfg.Timeout)
	assert.Equal(t, 1, cfg.VolumeThreshold)
	assert.Equal(t, time.Second, cfg.MonitoringPeriod)
	assert.Equal(t, 1, cfg.HalfOpenMaxInflight)
}

// TestExecute_UnsetVolumeThresholdGatesThinTraffic covers the partially
// specified configuration case: a profile that names only the failure
// thresholds must still get the default volume gate, so a thin-traffic
// target never opens on its first few failures.
func TestExecute_UnsetVolumeThresholdGatesThinTraffic(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	cb := New("sparse-target", st, &Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          time.Minute,
		MonitoringPeriod: time.Minute,
	}, nil)
	ctx := context.Background()

	assert.Equal(t, DefaultVolumeThreshold, cb.config.VolumeThreshold)

	// Five straight failures are below the default volume threshold of
	// ten: all pass through, none are counted, the circuit stays closed.
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, failAlways), errDownstream)
	}

	status := cb.Status(ctx)
	assert.Equal(t, StateClosed.String(), status.State)
	assert.Zero(t, status.Failures)
}

func TestConfig_Builders(t *testing.T) {
	t.Parallel()

	called := false
	cfg := DefaultConfig().
		WithFailureThreshold(2).
		WithSuccessThreshold(1).
		WithTimeout(10 * time.Second).
		WithVolumeThreshold(3).
		WithMonitoringPeriod(30 * time.Second).
		WithHalfOpenMaxInflight(2).
		WithIsSuccessful(func(err error) bool { return true }).
		WithOnStateChange(func(name string, from, to State) { called = true })

	assert.Equal(t, 2, cfg.FailureThreshold)
	assert.Equal(t, 1, cfg.SuccessThreshold)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.VolumeThreshold)
	assert.Equal(t, 30*time.Second, cfg.MonitoringPeriod)
	assert.Equal(t, 2, cfg.HalfOpenMaxInflight)
	assert.True(t, cfg.IsSuccessful(nil))

	cfg.OnStateChange("x", StateClosed, StateOpen)
	assert.True(t, called)
}
