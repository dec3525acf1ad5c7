package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillforge-auth/internal/audit"
)

const testPassword = "Tr0ub4dor&3xk"

func newTestService(t *testing.T) (*Service, *fakeStore, *time.Time) {
	t.Helper()

	now := time.Now().UTC()
	store := newFakeStore()
	service := NewService(store, "test-secret", "skillforge-test")
	service.WithClock(func() time.Time { return now })

	return service, store, &now
}

func registerTestAccount(t *testing.T, service *Service) LoginResult {
	t.Helper()

	result, err := service.Register(context.Background(), "user@example.com", "user", testPassword)
	require.NoError(t, err)

	return result
}

func TestRegisterAndLogin(t *testing.T) {
	service, _, _ := newTestService(t)

	registered := registerTestAccount(t, service)
	assert.NotEmpty(t, registered.AccessToken)
	assert.Equal(t, "user@example.com", registered.User.Email)
	assert.False(t, registered.RequiresTwoFactor)

	// Without 2FA the token is fully verified from the start.
	claims, err := service.Tokens().Verify(registered.AccessToken)
	require.NoError(t, err)
	assert.True(t, claims.TwoFactorVerified)

	result, err := service.Login(context.Background(), "user@example.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, registered.User.ID, result.User.ID)
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	service, _, _ := newTestService(t)

	_, err := service.Register(context.Background(), "user@example.com", "user", "weak")

	var policyErr PolicyError
	require.True(t, errors.As(err, &policyErr))
	assert.NotEmpty(t, policyErr.Violations)
}

func TestRegisterRejectsDuplicateIdentity(t *testing.T) {
	service, _, _ := newTestService(t)
	registerTestAccount(t, service)

	_, err := service.Register(context.Background(), "user@example.com", "other", testPassword)
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
}

func TestLoginUnknownEmailLooksLikeBadPassword(t *testing.T) {
	service, _, _ := newTestService(t)

	_, err := service.Login(context.Background(), "ghost@example.com", testPassword)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	service, store, now := newTestService(t)
	registered := registerTestAccount(t, service)

	for i := 0; i < 4; i++ {
		_, err := service.Login(context.Background(), "user@example.com", "Wrong-Passw0rd!")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Fifth failure trips the threshold.
	_, err := service.Login(context.Background(), "user@example.com", "Wrong-Passw0rd!")
	var locked ErrAccountLocked
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, now.Add(30*time.Minute), locked.Until)

	// Even the correct password is rejected while locked.
	_, err = service.Login(context.Background(), "user@example.com", testPassword)
	require.True(t, errors.As(err, &locked))

	// After the lock lapses the correct password works and the counter resets.
	*now = now.Add(31 * time.Minute)

	_, err = service.Login(context.Background(), "user@example.com", testPassword)
	require.NoError(t, err)

	account, err := store.FindAccountByID(context.Background(), registered.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, account.FailedLoginAttempts)
	assert.Nil(t, account.LockedUntil)
}

func TestChangePassword(t *testing.T) {
	service, _, _ := newTestService(t)
	registered := registerTestAccount(t, service)

	err := service.ChangePassword(context.Background(), registered.User.ID, "Wrong-Passw0rd!", "N3w!Passw0rdxy")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = service.ChangePassword(context.Background(), registered.User.ID, testPassword, "weak")
	var policyErr PolicyError
	assert.True(t, errors.As(err, &policyErr))

	require.NoError(t, service.ChangePassword(context.Background(), registered.User.ID, testPassword, "N3w!Passw0rdxy"))

	_, err = service.Login(context.Background(), "user@example.com", testPassword)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = service.Login(context.Background(), "user@example.com", "N3w!Passw0rdxy")
	assert.NoError(t, err)
}

func TestPasswordResetFlow(t *testing.T) {
	service, _, now := newTestService(t)
	registerTestAccount(t, service)

	// Unknown and known emails are indistinguishable to the caller.
	unknownToken, err := service.RequestPasswordReset(context.Background(), "ghost@example.com")
	require.NoError(t, err)
	assert.Empty(t, unknownToken)

	token, err := service.RequestPasswordReset(context.Background(), "user@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, service.ResetPassword(context.Background(), token, "N3w!Passw0rdxy"))

	// Single use: the second redemption fails.
	err = service.ResetPassword(context.Background(), token, "An0ther!Passw0rd")
	assert.ErrorIs(t, err, ErrResetTokenInvalid)

	_, err = service.Login(context.Background(), "user@example.com", "N3w!Passw0rdxy")
	assert.NoError(t, err)

	// Expired tokens are rejected.
	token, err = service.RequestPasswordReset(context.Background(), "user@example.com")
	require.NoError(t, err)

	*now = now.Add(61 * time.Minute)

	err = service.ResetPassword(context.Background(), token, "An0ther!Passw0rd")
	assert.ErrorIs(t, err, ErrResetTokenInvalid)
}

func TestPasswordResetOverwritesPriorToken(t *testing.T) {
	service, _, _ := newTestService(t)
	registerTestAccount(t, service)

	first, err := service.RequestPasswordReset(context.Background(), "user@example.com")
	require.NoError(t, err)
	second, err := service.RequestPasswordReset(context.Background(), "user@example.com")
	require.NoError(t, err)

	err = service.ResetPassword(context.Background(), first, "N3w!Passw0rdxy")
	assert.ErrorIs(t, err, ErrResetTokenInvalid)

	assert.NoError(t, service.ResetPassword(context.Background(), second, "N3w!Passw0rdxy"))
}

func TestPasswordResetClearsLockout(t *testing.T) {
	service, store, _ := newTestService(t)
	registered := registerTestAccount(t, service)

	for i := 0; i < 5; i++ {
		_, _ = service.Login(context.Background(), "user@example.com", "Wrong-Passw0rd!")
	}

	token, err := service.RequestPasswordReset(context.Background(), "user@example.com")
	require.NoError(t, err)
	require.NoError(t, service.ResetPassword(context.Background(), token, "N3w!Passw0rdxy"))

	account, err := store.FindAccountByID(context.Background(), registered.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, account.FailedLoginAttempts)
	assert.Nil(t, account.LockedUntil)
}

func TestPasswordResetKeepsTokenOnPolicyFailure(t *testing.T) {
	service, _, _ := newTestService(t)
	registerTestAccount(t, service)

	token, err := service.RequestPasswordReset(context.Background(), "user@example.com")
	require.NoError(t, err)

	err = service.ResetPassword(context.Background(), token, "weak")
	var policyErr PolicyError
	require.True(t, errors.As(err, &policyErr))

	// The token is still redeemable with a compliant password.
	assert.NoError(t, service.ResetPassword(context.Background(), token, "N3w!Passw0rdxy"))
}

type captureSink struct {
	events []audit.Event
}

func (s *captureSink) Record(ctx context.Context, event audit.Event) error {
	s.events = append(s.events, event)
	return nil
}

func TestAuditEventsCarryClientIP(t *testing.T) {
	service, _, _ := newTestService(t)
	sink := &captureSink{}
	service.WithAuditSink(sink)

	registerTestAccount(t, service)

	ctx := audit.ContextWithIP(context.Background(), "203.0.113.7")
	_, err := service.Login(ctx, "user@example.com", testPassword)
	require.NoError(t, err)

	require.NotEmpty(t, sink.events)
	last := sink.events[len(sink.events)-1]
	assert.Equal(t, "login_succeeded", last.Kind)
	assert.Equal(t, "203.0.113.7", last.IP)

	// Without an IP in the context the field stays empty.
	assert.Empty(t, sink.events[0].IP)
}

func enableTwoFactorForTest(t *testing.T, service *Service, accountID string, now time.Time) (secret string, backupCodes []string) {
	t.Helper()

	secret, _, codes, err := service.EnableTwoFactor(context.Background(), accountID)
	require.NoError(t, err)

	code, err := totp.GenerateCode(secret, now)
	require.NoError(t, err)
	require.NoError(t, service.VerifyTwoFactor(context.Background(), accountID, code))

	return secret, codes
}

func TestTwoFactorLoginFlow(t *testing.T) {
	service, _, now := newTestService(t)
	registered := registerTestAccount(t, service)

	secret, _ := enableTwoFactorForTest(t, service, registered.User.ID, *now)

	// First pass: credentials alone yield an unverified token and a pending
	// session.
	result, err := service.Login(context.Background(), "user@example.com", testPassword)
	require.NoError(t, err)
	assert.True(t, result.RequiresTwoFactor)
	require.NotEmpty(t, result.TwoFactorSessionID)

	claims, err := service.Tokens().Verify(result.AccessToken)
	require.NoError(t, err)
	assert.False(t, claims.TwoFactorVerified)

	// Second pass: TOTP code completes the login.
	code, err := totp.GenerateCode(secret, *now)
	require.NoError(t, err)

	verified, err := service.LoginTwoFactor(context.Background(), "user@example.com", testPassword, code, result.TwoFactorSessionID)
	require.NoError(t, err)

	claims, err = service.Tokens().Verify(verified.AccessToken)
	require.NoError(t, err)
	assert.True(t, claims.TwoFactorVerified)
}

func TestTwoFactorLoginRejectsBadCode(t *testing.T) {
	service, _, now := newTestService(t)
	registered := registerTestAccount(t, service)
	enableTwoFactorForTest(t, service, registered.User.ID, *now)

	_, err := service.LoginTwoFactor(context.Background(), "user@example.com", testPassword, "000000", "")
	assert.ErrorIs(t, err, ErrTwoFactorCodeInvalid)
}

func TestTwoFactorRecoveryConsumesBackupCode(t *testing.T) {
	service, store, now := newTestService(t)
	registered := registerTestAccount(t, service)
	_, codes := enableTwoFactorForTest(t, service, registered.User.ID, *now)

	result, err := service.RecoverTwoFactor(context.Background(), "user@example.com", testPassword, codes[0])
	require.NoError(t, err)

	claims, err := service.Tokens().Verify(result.AccessToken)
	require.NoError(t, err)
	assert.True(t, claims.TwoFactorVerified)

	account, err := store.FindAccountByID(context.Background(), registered.User.ID)
	require.NoError(t, err)
	assert.Len(t, account.BackupCodeHashes, 9)

	// The consumed code no longer works.
	_, err = service.RecoverTwoFactor(context.Background(), "user@example.com", testPassword, codes[0])
	assert.ErrorIs(t, err, ErrTwoFactorCodeInvalid)
}

func TestTwoFactorRecoveryAttemptCap(t *testing.T) {
	service, _, now := newTestService(t)
	registered := registerTestAccount(t, service)
	_, codes := enableTwoFactorForTest(t, service, registered.User.ID, *now)

	for i := 0; i < 5; i++ {
		_, err := service.RecoverTwoFactor(context.Background(), "user@example.com", testPassword, "0000-0000-0000")
		assert.ErrorIs(t, err, ErrTwoFactorCodeInvalid)
	}

	// Past the cap even a correct code is rejected.
	_, err := service.RecoverTwoFactor(context.Background(), "user@example.com", testPassword, codes[0])
	assert.ErrorIs(t, err, ErrRecoveryLimitExceeded)
}

func TestEnableTwoFactorRejectedWhileActive(t *testing.T) {
	service, store, now := newTestService(t)
	registered := registerTestAccount(t, service)
	secret, _ := enableTwoFactorForTest(t, service, registered.User.ID, *now)

	// Re-staging would replace the secret and switch 2FA off.
	_, _, _, err := service.EnableTwoFactor(context.Background(), registered.User.ID)
	assert.ErrorIs(t, err, ErrTwoFactorAlreadyEnabled)

	account, err := store.FindAccountByID(context.Background(), registered.User.ID)
	require.NoError(t, err)
	assert.True(t, account.TwoFactorEnabled)
	assert.Equal(t, secret, account.TwoFactorSecret)
}

func TestTwoFactorLoginForeignSessionNotConsumed(t *testing.T) {
	service, _, now := newTestService(t)
	registered := registerTestAccount(t, service)
	secret, _ := enableTwoFactorForTest(t, service, registered.User.ID, *now)

	foreign, err := service.Sessions().Create("someone-else", "totp", time.Minute)
	require.NoError(t, err)

	code, err := totp.GenerateCode(secret, *now)
	require.NoError(t, err)

	_, err = service.LoginTwoFactor(context.Background(), "user@example.com", testPassword, code, foreign)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// The other account's pending session survives the rejected attempt.
	session, ok := service.Sessions().Peek(foreign)
	require.True(t, ok)
	assert.Equal(t, "someone-else", session.AccountID)
	assert.False(t, session.Verified)
}

func TestDisableTwoFactor(t *testing.T) {
	service, store, now := newTestService(t)
	registered := registerTestAccount(t, service)
	enableTwoFactorForTest(t, service, registered.User.ID, *now)

	err := service.DisableTwoFactor(context.Background(), registered.User.ID, "Wrong-Passw0rd!")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, service.DisableTwoFactor(context.Background(), registered.User.ID, testPassword))

	account, err := store.FindAccountByID(context.Background(), registered.User.ID)
	require.NoError(t, err)
	assert.False(t, account.TwoFactorEnabled)
	assert.Empty(t, account.TwoFactorSecret)

	result, err := service.Login(context.Background(), "user@example.com", testPassword)
	require.NoError(t, err)
	assert.False(t, result.RequiresTwoFactor)
}
