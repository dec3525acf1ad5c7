package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers both "no such account" and "wrong
	// password" so responses never reveal which accounts exist.
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrAccountNotFound   = errors.New("account not found")
	ErrDuplicateIdentity = errors.New("email or username already registered")

	ErrTwoFactorCodeInvalid    = errors.New("invalid two-factor code")
	ErrTwoFactorNotEnabled     = errors.New("two-factor authentication is not enabled")
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor authentication is already enabled")
	ErrRecoveryLimitExceeded   = errors.New("too many recovery attempts")

	ErrResetTokenInvalid = errors.New("reset token is expired or invalid")

	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenSignature = errors.New("token signature invalid")
)

// ErrAccountLocked is returned while an account sits out a lockout window.
type ErrAccountLocked struct {
	Until time.Time
}

func (e ErrAccountLocked) Error() string {
	return "account temporarily locked"
}

// RetryAfterMinutes rounds the remaining lock time up to whole minutes.
func (e ErrAccountLocked) RetryAfterMinutes(now time.Time) int {
	remaining := e.Until.Sub(now.UTC())
	if remaining <= 0 {
		return 1
	}
	minutes := int((remaining + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// PolicyError carries every password rule the candidate password broke.
type PolicyError struct {
	Violations []string
}

func (e PolicyError) Error() string {
	return fmt.Sprintf("password does not meet requirements (%d violations)", len(e.Violations))
}
