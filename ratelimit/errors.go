package ratelimit

import "errors"

var (
	// ErrRateLimitExceeded signals that the caller should back off or reject the request.
	// The limiter itself never retries after returning it.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	ErrInvalidKey     = errors.New("ratelimit: key must not be empty")
	ErrInvalidPermits = errors.New("ratelimit: permits per second must be positive")
)
