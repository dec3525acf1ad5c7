// Package expiry wraps a value with an expiration instant so that every
// component that holds time-limited state (lockouts, reset tokens, pending
// 2FA sessions, IP blocks) shares one timestamp comparison.
package expiry

import "time"

type Expirable[T any] struct {
	Value     T
	ExpiresAt time.Time
}

// Wrap returns the value bundled with an absolute expiry. expiresAt is
// normalized to UTC so comparisons never mix locations.
func Wrap[T any](value T, expiresAt time.Time) Expirable[T] {
	return Expirable[T]{Value: value, ExpiresAt: expiresAt.UTC()}
}

// Valid reports whether the value has not expired at now.
func (e Expirable[T]) Valid(now time.Time) bool {
	return e.ExpiresAt.After(now.UTC())
}

// Remaining returns how long the value stays valid at now. Zero or negative
// means already expired.
func (e Expirable[T]) Remaining(now time.Time) time.Duration {
	return e.ExpiresAt.Sub(now.UTC())
}
