package middleware

const (
	ErrCodeRateLimitExceeded = 21000 + iota
	ErrCodeRateLimitUnavailable
	ErrCodeUnauthorized
)
