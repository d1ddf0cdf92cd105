package executor

import (
	"math"
	"math/rand"
	"time"
)

// computeBackoff returns the delay before the given retry attempt (1 =
// first retry): initialBackoffMs × multiplier^retryCount, with up to 10%
// extra jitter layered on top so delays never fall below the base value.
func computeBackoff(attempt int, initialBackoffMs int64, multiplier float64, rng *rand.Rand) time.Duration {
	if multiplier <= 0 {
		multiplier = 2
	}
	base := float64(initialBackoffMs) * math.Pow(multiplier, float64(attempt-1))
	jitter := 1 + rng.Float64()*0.1 // 0%-10% extra, never below the prescribed delay
	return time.Duration(base*jitter) * time.Millisecond
}
