package anchor

import "time"

const (
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = time.Hour
)

// Backoff is the delay before the next attempt after attempt failures:
// base·2^(attempt-1), capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if attempt <= 1 {
		return min(base, max)
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
