package supervisor

import "time"

// Backoff returns the delay before the n-th retry, doubling from base and
// capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	if n <= 0 {
		return base
	}
	d := base << (n - 1)
	if d > max || d <= 0 {
		return max
	}
	return d
}
