package auth

import (
	"context"
	"time"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 30 * time.Minute
)

// LockoutGuard tracks failed logins per account and enforces the timed lock.
// The counter and the lock live on the persisted account record; expiry is
// lazy — a lock in the past is treated as absent and cleared on the next
// write.
type LockoutGuard struct {
	store     Store
	threshold int
	lockFor   time.Duration
	nowFn     func() time.Time
}

func NewLockoutGuard(store Store) *LockoutGuard {
	return &LockoutGuard{
		store:     store,
		threshold: defaultLockoutThreshold,
		lockFor:   defaultLockoutDuration,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// WithConfig overrides threshold and lock duration when positive.
func (g *LockoutGuard) WithConfig(threshold int, lockFor time.Duration) *LockoutGuard {
	if threshold > 0 {
		g.threshold = threshold
	}
	if lockFor > 0 {
		g.lockFor = lockFor
	}
	return g
}

// WithClock replaces the time source. Test hook.
func (g *LockoutGuard) WithClock(nowFn func() time.Time) *LockoutGuard {
	g.nowFn = nowFn
	return g
}

// Check fails with ErrAccountLocked while the account is locked. It runs
// before any password comparison, so a locked account never pays the hashing
// cost and never learns whether the password would have matched. Timestamps
// are normalized to UTC before comparing.
func (g *LockoutGuard) Check(account Account) error {
	if account.LockedUntil == nil {
		return nil
	}

	until := account.LockedUntil.UTC()
	if g.nowFn().Before(until) {
		return ErrAccountLocked{Until: until}
	}

	// Lock has lapsed; treated as unlocked here, cleared on the next write.
	return nil
}

// RecordFailure counts one failed verification and returns ErrAccountLocked
// when this failure trips the threshold.
func (g *LockoutGuard) RecordFailure(ctx context.Context, accountID string) error {
	state, err := g.store.RecordFailedLogin(ctx, accountID, g.threshold, g.lockFor, g.nowFn())
	if err != nil {
		return err
	}

	if state.LockedUntil != nil && g.nowFn().Before(state.LockedUntil.UTC()) {
		return ErrAccountLocked{Until: state.LockedUntil.UTC()}
	}

	return nil
}

// Reset clears the counter and any lock unconditionally, as happens on every
// successful credential verification or administrative unlock.
func (g *LockoutGuard) Reset(ctx context.Context, accountID string) error {
	return g.store.ClearLockout(ctx, accountID)
}
