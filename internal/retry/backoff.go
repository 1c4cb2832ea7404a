package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Delay computes the backoff delay before the attempt following the given
// one. attempt is 1-based: the delay after the first failed attempt is
// Delay(1, ...).
//
// The exponential term initial * multiplier^(attempt-1) is capped at max,
// then a uniform random jitter in [0, jitterFraction*capped) is added and
// the sum is floored to whole milliseconds.
func Delay(attempt int, initial, maxDelay time.Duration, multiplier, jitterFraction float64) time.Duration {
	//nolint:gosec // G404: jitter for retry timing is not security-sensitive
	return delay(attempt, initial, maxDelay, multiplier, jitterFraction, rand.Float64())
}

// DelayWithRand is Delay with an explicit random source. Given a fixed
// source the result is deterministic, which the tests rely on.
func DelayWithRand(
	attempt int,
	initial, maxDelay time.Duration,
	multiplier, jitterFraction float64,
	rnd *rand.Rand,
) time.Duration {
	return delay(attempt, initial, maxDelay, multiplier, jitterFraction, rnd.Float64())
}

func delay(attempt int, initial, maxDelay time.Duration, multiplier, jitterFraction float64, u float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}
	if jitterFraction < 0 {
		jitterFraction = 0
	}

	capped := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if capped > float64(maxDelay) {
		capped = float64(maxDelay)
	}

	jitter := u * jitterFraction * capped

	ms := math.Floor((capped + jitter) / float64(time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}
