// Package config provides the YAML configuration surface for the
// resilience layer: logging, shared state store selection, retry defaults
// and per-target circuit breaker profiles.
package config

import (
	"fmt"
	"time"

	"github.com/vyrodovalexey/guardrail/internal/circuitbreaker"
	"github.com/vyrodovalexey/guardrail/internal/observability/logging"
	"github.com/vyrodovalexey/guardrail/internal/observability/tracing"
	"github.com/vyrodovalexey/guardrail/internal/retry"
)

// StoreType selects the shared state store backend.
type StoreType string

const (
	// StoreTypeMemory uses the in-process store. Breaker state is not
	// shared across instances; suitable for tests and single-node hosts.
	StoreTypeMemory StoreType = "memory"

	// StoreTypeRedis uses Redis as the shared state store.
	StoreTypeRedis StoreType = "redis"
)

// Config is the root configuration.
type Config struct {
	Logging  *logging.Config           `yaml:"logging"`
	Tracing  TracingConfig             `yaml:"tracing"`
	Store    StoreConfig               `yaml:"store"`
	Retry    RetryConfig               `yaml:"retry"`
	Breakers map[string]BreakerProfile `yaml:"breakers"`
}

// TracingConfig configures trace export. Export is off unless an exporter
// is named.
type TracingConfig struct {
	Exporter     string   `yaml:"exporter"` // none, otlp-grpc or otlp-http
	Endpoint     string   `yaml:"endpoint"`
	Insecure     bool     `yaml:"insecure"`
	SampleRate   float64  `yaml:"sampleRate"`
	ServiceName  string   `yaml:"serviceName"`
	Environment  string   `yaml:"environment"`
	BatchTimeout Duration `yaml:"batchTimeout"`
}

// ToTracingConfig converts to the tracing package configuration, filling
// unset fields from its defaults.
func (c *TracingConfig) ToTracingConfig(version string) *tracing.Config {
	cfg := tracing.DefaultConfig()
	cfg.ServiceVersion = version

	if c.Exporter != "" {
		cfg.ExporterType = tracing.ExporterType(c.Exporter)
	}
	if c.Endpoint != "" {
		cfg.Endpoint = c.Endpoint
	}
	cfg.Insecure = c.Insecure
	if c.SampleRate > 0 {
		cfg.SampleRate = c.SampleRate
	}
	if c.ServiceName != "" {
		cfg.ServiceName = c.ServiceName
	}
	if c.Environment != "" {
		cfg.Environment = c.Environment
	}
	if d := c.BatchTimeout.Duration(); d > 0 {
		cfg.BatchTimeout = d
	}
	return cfg
}

// StoreConfig configures the shared state store.
type StoreConfig struct {
	Type StoreType `yaml:"type"`

	// Redis settings, used when Type is "redis".
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis shared state store.
type RedisConfig struct {
	Address      string   `yaml:"address"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	Prefix       string   `yaml:"prefix"`
	PoolSize     int      `yaml:"poolSize"`
	DialTimeout  Duration `yaml:"dialTimeout"`
	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
}

// RetryConfig configures the default retry policy.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"maxAttempts"`
	InitialBackoff Duration `yaml:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff"`
	Multiplier     float64  `yaml:"multiplier"`
	JitterFraction float64  `yaml:"jitterFraction"`
}

// ToRetryConfig converts to the retry package configuration.
func (c *RetryConfig) ToRetryConfig() *retry.Config {
	return &retry.Config{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff.Duration(),
		MaxBackoff:     c.MaxBackoff.Duration(),
		Multiplier:     c.Multiplier,
		JitterFraction: c.JitterFraction,
	}
}

// BreakerProfile configures one named circuit breaker.
type BreakerProfile struct {
	FailureThreshold    int      `yaml:"failureThreshold"`
	SuccessThreshold    int      `yaml:"successThreshold"`
	Timeout             Duration `yaml:"timeout"`
	VolumeThreshold     int      `yaml:"volumeThreshold"`
	MonitoringPeriod    Duration `yaml:"monitoringPeriod"`
	HalfOpenMaxInflight int      `yaml:"halfOpenMaxInflight"`
}

// ToBreakerConfig converts to the circuitbreaker package configuration.
// Zero values are normalized to defaults by Config.Validate.
func (p *BreakerProfile) ToBreakerConfig() *circuitbreaker.Config {
	cfg := &circuitbreaker.Config{
		FailureThreshold:    p.FailureThreshold,
		SuccessThreshold:    p.SuccessThreshold,
		Timeout:             p.Timeout.Duration(),
		VolumeThreshold:     p.VolumeThreshold,
		MonitoringPeriod:    p.MonitoringPeriod.Duration(),
		HalfOpenMaxInflight: p.HalfOpenMaxInflight,
	}
	_ = cfg.Validate()
	return cfg
}

// Default returns a configuration with all defaults applied: memory
// store, default retry policy, no breaker profiles.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "", StoreTypeMemory, StoreTypeRedis:
	default:
		return fmt.Errorf("unknown store type: %q", c.Store.Type)
	}

	if c.Store.Type == StoreTypeRedis && c.Store.Redis.Address == "" {
		return fmt.Errorf("store.redis.address is required for the redis store")
	}

	switch tracing.ExporterType(c.Tracing.Exporter) {
	case "", tracing.ExporterNone, tracing.ExporterOTLPGRPC, tracing.ExporterOTLPHTTP:
	default:
		return fmt.Errorf("unknown tracing exporter: %q", c.Tracing.Exporter)
	}

	for name, profile := range c.Breakers {
		if profile.Timeout.Duration() < 0 {
			return fmt.Errorf("breaker %q: timeout must not be negative", name)
		}
		if profile.MonitoringPeriod.Duration() < 0 {
			return fmt.Errorf("breaker %q: monitoringPeriod must not be negative", name)
		}
	}

	return nil
}

// applyDefaults fills unset sections with defaults.
func (c *Config) applyDefaults() {
	if c.Logging == nil {
		c.Logging = logging.DefaultConfig()
	}
	if c.Store.Type == "" {
		c.Store.Type = StoreTypeMemory
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = retry.DefaultMaxAttempts
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = Duration(retry.DefaultInitialBackoff)
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = Duration(retry.DefaultMaxBackoff)
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = retry.DefaultMultiplier
	}
	if c.Retry.JitterFraction == 0 {
		c.Retry.JitterFraction = retry.DefaultJitterFraction
	}
	if c.Store.Redis.DialTimeout == 0 {
		c.Store.Redis.DialTimeout = Duration(5 * time.Second)
	}
}
