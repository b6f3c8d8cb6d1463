package llm

import "medi/internal/llm/ratelimit"

// ErrRateLimited marks a failure caused by the backend's rate limit or quota.
var ErrRateLimited = ratelimit.ErrLimited

// IsRateLimit classifies err as a rate-limit or quota-exceeded failure.
func IsRateLimit(err error) bool {
	return ratelimit.Is(err)
}
