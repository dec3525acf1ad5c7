package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"skillforge-auth/internal/expiry"
)

const resetTokenTTL = time.Hour

// PasswordResetFlow issues and redeems single-use, time-limited reset
// tokens. Tokens are stored hashed; at most one is active per account.
type PasswordResetFlow struct {
	store       Store
	credentials *CredentialStore
	policy      *PasswordPolicy
	lockout     *LockoutGuard
	nowFn       func() time.Time
}

func NewPasswordResetFlow(store Store, credentials *CredentialStore, policy *PasswordPolicy, lockout *LockoutGuard) *PasswordResetFlow {
	return &PasswordResetFlow{
		store:       store,
		credentials: credentials,
		policy:      policy,
		lockout:     lockout,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Test hook.
func (f *PasswordResetFlow) WithClock(nowFn func() time.Time) *PasswordResetFlow {
	f.nowFn = nowFn
	return f
}

// Request issues a reset token for the account behind email. The outcome is
// indistinguishable to the caller whether or not the account exists: both
// paths return nil error, and only an existing account yields a non-empty
// token. Issuing overwrites any earlier unexpired token for the account.
func (f *PasswordResetFlow) Request(ctx context.Context, email string) (string, error) {
	account, err := f.store.FindAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return "", nil
		}
		return "", err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	token := hex.EncodeToString(raw)

	now := f.nowFn()
	if err := f.store.UpsertResetToken(ctx, account.ID, hashResetToken(token), now.Add(resetTokenTTL), now); err != nil {
		return "", err
	}

	return token, nil
}

// Redeem validates the new password, rotates the credential, clears lockout
// state, and deletes the token. Fails with ErrResetTokenInvalid for unknown,
// expired or already-consumed tokens, and with PolicyError when the new
// password breaks the rules (the token survives a policy failure).
func (f *PasswordResetFlow) Redeem(ctx context.Context, token, newPassword string) error {
	record, err := f.store.FindResetToken(ctx, hashResetToken(token))
	if err != nil {
		return err
	}

	if !expiry.Wrap(record.AccountID, record.ExpiresAt).Valid(f.nowFn()) {
		_ = f.store.DeleteResetToken(ctx, record.AccountID)
		return ErrResetTokenInvalid
	}

	if ok, violations := f.policy.Validate(newPassword); !ok {
		return PolicyError{Violations: violations}
	}

	hash, err := f.credentials.Hash(newPassword)
	if err != nil {
		return err
	}

	if err := f.store.UpdatePasswordHash(ctx, record.AccountID, hash, f.nowFn()); err != nil {
		return err
	}
	if err := f.lockout.Reset(ctx, record.AccountID); err != nil {
		return err
	}

	return f.store.DeleteResetToken(ctx, record.AccountID)
}

func hashResetToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
