package retry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Default retry configuration constants.
const (
	// DefaultMaxAttempts is the default maximum number of attempts.
	DefaultMaxAttempts = 3

	// DefaultInitialBackoff is the default initial backoff duration.
	DefaultInitialBackoff = 100 * time.Millisecond

	// DefaultMaxBackoff is the default maximum backoff duration.
	DefaultMaxBackoff = 5 * time.Second

	// DefaultMultiplier is the default exponential backoff multiplier.
	DefaultMultiplier = 2.0

	// DefaultJitterFraction is the default jitter fraction (25%).
	DefaultJitterFraction = 0.25

	// MaxJitterFraction is the maximum allowed jitter fraction.
	MaxJitterFraction = 1.0
)

// Config contains retry configuration parameters.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	// Default is 3.
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	// Default is 100ms.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default is 5s.
	MaxBackoff time.Duration

	// Multiplier is the exponential backoff multiplier.
	// Default is 2.0.
	Multiplier float64

	// JitterFraction is the jitter fraction (0.0 to 1.0) added to backoff.
	// Default is 0.25 (25% jitter).
	JitterFraction float64
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Multiplier:     DefaultMultiplier,
		JitterFraction: DefaultJitterFraction,
	}
}

// GetMaxAttempts returns the effective maximum attempts.
func (c *Config) GetMaxAttempts() int {
	if c == nil || c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

// GetInitialBackoff returns the effective initial backoff.
func (c *Config) GetInitialBackoff() time.Duration {
	if c == nil || c.InitialBackoff <= 0 {
		return DefaultInitialBackoff
	}
	return c.InitialBackoff
}

// GetMaxBackoff returns the effective maximum backoff.
func (c *Config) GetMaxBackoff() time.Duration {
	if c == nil || c.MaxBackoff <= 0 {
		return DefaultMaxBackoff
	}
	return c.MaxBackoff
}

// GetMultiplier returns the effective backoff multiplier.
func (c *Config) GetMultiplier() float64 {
	if c == nil || c.Multiplier <= 0 {
		return DefaultMultiplier
	}
	return c.Multiplier
}

// GetJitterFraction returns the effective jitter fraction.
func (c *Config) GetJitterFraction() float64 {
	if c == nil || c.JitterFraction <= 0 {
		return DefaultJitterFraction
	}
	if c.JitterFraction > MaxJitterFraction {
		return MaxJitterFraction
	}
	return c.JitterFraction
}

// Attempt describes a failed attempt, passed to the OnRetry hook before
// the orchestrator sleeps and tries again.
type Attempt struct {
	// Number is the 1-based attempt number that just failed.
	Number int

	// Err is the error returned by the attempt.
	Err error

	// Backoff is the computed delay before the next attempt.
	Backoff time.Duration
}

// ShouldRetryFunc determines if an error on the given attempt should
// trigger a retry.
type ShouldRetryFunc func(err error, attempt int) bool

// OnRetryFunc observes failed attempts. It has no control-flow effect;
// panics raised by the hook are recovered and do not abort the sequence.
type OnRetryFunc func(attempt Attempt)

// Options contains optional retry behavior configuration.
type Options struct {
	// Name identifies the operation in logs and metrics.
	Name string

	// ShouldRetry determines if an error should trigger a retry.
	// If nil, DefaultShouldRetry is used.
	ShouldRetry ShouldRetryFunc

	// OnRetry is called before each backoff sleep.
	OnRetry OnRetryFunc

	// Logger for logging retry attempts.
	Logger *zap.Logger
}

func (o *Options) name() string {
	if o == nil || o.Name == "" {
		return "operation"
	}
	return o.Name
}

func (o *Options) shouldRetry(err error, attempt int) bool {
	if o == nil || o.ShouldRetry == nil {
		return DefaultShouldRetry(err, attempt)
	}
	return o.ShouldRetry(err, attempt)
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Do executes fn with retry logic.
//
// fn is invoked up to cfg.MaxAttempts times. Success returns immediately.
// A failure on the final attempt, or one the retryability predicate rejects,
// propagates that attempt's error unchanged; earlier errors are visible only
// through the OnRetry hook.
func Do(ctx context.Context, cfg *Config, fn func(ctx context.Context) error, opts *Options) error {
	maxAttempts := cfg.GetMaxAttempts()
	initialBackoff := cfg.GetInitialBackoff()
	maxBackoff := cfg.GetMaxBackoff()
	multiplier := cfg.GetMultiplier()
	jitterFraction := cfg.GetJitterFraction()

	name := opts.name()
	logger := opts.logger()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Check context before each attempt
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		recordAttempt(name)

		lastErr = fn(ctx)
		if lastErr == nil {
			recordSuccess(name)
			return nil
		}

		// Terminal: exhausted or classified non-retryable
		if attempt == maxAttempts || !opts.shouldRetry(lastErr, attempt) {
			recordFailure(name)
			return lastErr
		}

		backoff := Delay(attempt, initialBackoff, maxBackoff, multiplier, jitterFraction)
		recordBackoff(name, backoff)

		logger.Debug("retrying operation",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)

		notifyRetry(opts, logger, Attempt{Number: attempt, Err: lastErr, Backoff: backoff})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return lastErr
}

// DoValue executes fn with retry logic and returns its result.
func DoValue[T any](
	ctx context.Context,
	cfg *Config,
	fn func(ctx context.Context) (T, error),
	opts *Options,
) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	}, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// notifyRetry invokes the OnRetry hook, recovering panics so a broken
// observer cannot abort the retry sequence.
func notifyRetry(opts *Options, logger *zap.Logger, attempt Attempt) {
	if opts == nil || opts.OnRetry == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Warn("retry observer panicked",
				zap.Int("attempt", attempt.Number),
				zap.Any("panic", r),
			)
		}
	}()

	opts.OnRetry(attempt)
}
