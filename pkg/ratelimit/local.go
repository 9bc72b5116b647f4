package ratelimit

import "golang.org/x/time/rate"

// newRateTaker adapts x/time/rate to the tokenTaker seam so tests can swap
// in a deterministic bucket.
func newRateTaker(config Config) tokenTaker {
	return rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst)
}
