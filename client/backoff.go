package client

import (
	"math"
	"time"
)

// Backoff returns min(base * factor^k, max) for k consecutive failures.
// k <= 0 yields base.
func Backoff(base time.Duration, factor float64, max time.Duration, k int) time.Duration {
	if k <= 0 {
		return min(base, max)
	}
	if factor < 1 {
		factor = 1
	}
	d := float64(base) * math.Pow(factor, float64(k))
	if d >= float64(max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return max
	}
	return time.Duration(d)
}
