// Package ratelimit classifies backend failures caused by rate limits or
// exhausted quota. It has no dependencies so the scheduler can use it
// without linking any model SDK.
package ratelimit

import (
	"errors"
	"strings"
)

// ErrLimited marks a failure caused by the backend's rate limit or quota.
var ErrLimited = errors.New("rate limited")

// Is reports whether err is a rate-limit or quota-exceeded failure.
// Backends that do not wrap ErrLimited are recognised by the status code
// or status name in the message.
func Is(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLimited) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED")
}
