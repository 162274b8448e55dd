package ratelimit

import "errors"

// Domain errors for the rate limiter.
var (
	// ErrRateLimitExceeded is returned when no token became available within
	// the configured maximum wait. It is a signal to back off, not a device
	// failure.
	ErrRateLimitExceeded = errors.New("ratelimit: rate limit exceeded")

	// ErrInvalidConfig is returned by Config.Validate and New.
	ErrInvalidConfig = errors.New("ratelimit: invalid configuration")

	// ErrInvalidPriority is returned for priorities other than Normal and High.
	ErrInvalidPriority = errors.New("ratelimit: invalid priority")
)
