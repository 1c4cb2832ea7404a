// Package retry provides exponential backoff retry functionality for
// calls to unreliable downstream dependencies.
//
// This package implements configurable retry logic with exponential
// backoff and jitter. The orchestrator holds no persistent state and is
// safe to use per call.
//
// # Features
//
//   - Configurable maximum attempts
//   - Exponential backoff with configurable base, cap and multiplier
//   - Uniform jitter to prevent thundering herd
//   - Context-aware cancellation support
//   - Customizable retryability predicates and per-attempt observer hooks
//
// # Usage
//
// Execute an operation with retry:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
//	    return callExternalService(ctx)
//	}, nil)
//
// # Configuration
//
// Customize retry behavior:
//
//	cfg := &retry.Config{
//	    MaxAttempts:    5,
//	    InitialBackoff: 200 * time.Millisecond,
//	    MaxBackoff:     10 * time.Second,
//	    Multiplier:     2.0,
//	    JitterFraction: 0.25,
//	}
package retry
