package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"skillforge-auth/internal/audit"
	"skillforge-auth/internal/twofactor"
)

const defaultAccessTTL = 24 * time.Hour

// Service wires the credential store, lockout guard, token issuer, two-factor
// engine and reset flow into the operations the handlers expose.
type Service struct {
	store       Store
	credentials *CredentialStore
	policy      *PasswordPolicy
	tokens      *TokenIssuer
	lockout     *LockoutGuard
	reset       *PasswordResetFlow
	twoFactor   *twofactor.Engine
	sessions    *twofactor.Sessions
	audit       audit.Sink
	accessTTL   time.Duration
	pendingTTL  time.Duration
	nowFn       func() time.Time
}

func NewService(store Store, jwtSecret, issuer string) *Service {
	credentials := NewCredentialStore()
	policy := NewPasswordPolicy()
	lockout := NewLockoutGuard(store)

	return &Service{
		store:       store,
		credentials: credentials,
		policy:      policy,
		tokens:      NewTokenIssuer(jwtSecret),
		lockout:     lockout,
		reset:       NewPasswordResetFlow(store, credentials, policy, lockout),
		twoFactor:   twofactor.NewEngine(issuer),
		sessions:    twofactor.NewSessions(),
		audit:       audit.NopSink{},
		accessTTL:   defaultAccessTTL,
		pendingTTL:  twofactor.DefaultSessionTTL,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

// WithSecurityConfig overrides the defaults where positive.
func (s *Service) WithSecurityConfig(accessTTL, pendingTTL time.Duration, lockoutThreshold int, lockoutDuration time.Duration) {
	if accessTTL > 0 {
		s.accessTTL = accessTTL
	}
	if pendingTTL > 0 {
		s.pendingTTL = pendingTTL
	}
	s.lockout.WithConfig(lockoutThreshold, lockoutDuration)
}

// WithAuditSink routes security events to sink.
func (s *Service) WithAuditSink(sink audit.Sink) {
	if sink != nil {
		s.audit = sink
	}
}

// WithClock replaces the time source everywhere. Test hook.
func (s *Service) WithClock(nowFn func() time.Time) {
	s.nowFn = nowFn
	s.tokens.WithClock(nowFn)
	s.lockout.WithClock(nowFn)
	s.reset.WithClock(nowFn)
	s.twoFactor.WithClock(nowFn)
	s.sessions.WithClock(nowFn)
}

// Sessions exposes the pending 2FA session store for lifecycle wiring.
func (s *Service) Sessions() *twofactor.Sessions {
	return s.sessions
}

// Tokens exposes the token issuer for the bearer middleware.
func (s *Service) Tokens() *TokenIssuer {
	return s.tokens
}

// Policy exposes the password policy for the requirements endpoint.
func (s *Service) Policy() *PasswordPolicy {
	return s.policy
}

// Register creates an account and logs it straight in. The first token
// carries two_factor_verified=true because a fresh account has no 2FA.
func (s *Service) Register(ctx context.Context, email, username, password string) (LoginResult, error) {
	email = normalizeEmail(email)
	username = strings.TrimSpace(username)

	if ok, violations := s.policy.Validate(password); !ok {
		return LoginResult{}, PolicyError{Violations: violations}
	}

	count, err := s.store.CountAccountsByIdentity(ctx, email, username)
	if err != nil {
		return LoginResult{}, err
	}
	if count > 0 {
		return LoginResult{}, ErrDuplicateIdentity
	}

	hash, err := s.credentials.Hash(password)
	if err != nil {
		return LoginResult{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return LoginResult{}, fmt.Errorf("generate account id: %w", err)
	}

	now := s.nowFn()
	account := Account{
		ID:                 id.String(),
		Email:              email,
		Username:           username,
		PasswordHash:       hash,
		BackupCodeHashes:   []string{},
		LastPasswordChange: now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.InsertAccount(ctx, account); err != nil {
		return LoginResult{}, err
	}

	s.record(ctx, "account_registered", account.ID, email, nil)

	return s.issueResult(account, true)
}

// Login verifies credentials. The lockout check runs before the password
// comparison, and an unknown email yields the same ErrInvalidCredentials as
// a wrong password.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	account, err := s.verifyCredentials(ctx, email, password)
	if err != nil {
		return LoginResult{}, err
	}

	if err := s.lockout.Reset(ctx, account.ID); err != nil {
		return LoginResult{}, err
	}

	s.record(ctx, "login_succeeded", account.ID, account.Email, nil)

	if account.TwoFactorEnabled {
		sessionID, err := s.sessions.Create(account.ID, "totp", s.pendingTTL)
		if err != nil {
			return LoginResult{}, err
		}

		result, err := s.issueResult(account, false)
		if err != nil {
			return LoginResult{}, err
		}
		result.RequiresTwoFactor = true
		result.TwoFactorSessionID = sessionID
		return result, nil
	}

	return s.issueResult(account, true)
}

// LoginTwoFactor completes a 2FA login with a TOTP code. When the client
// echoes the pending session id from the first pass, the session is marked
// verified and redeemed; credentials are re-verified either way, so a lost
// session id is not fatal.
func (s *Service) LoginTwoFactor(ctx context.Context, email, password, code, sessionID string) (LoginResult, error) {
	account, err := s.verifyCredentials(ctx, email, password)
	if err != nil {
		return LoginResult{}, err
	}

	if !account.TwoFactorEnabled {
		return LoginResult{}, ErrTwoFactorNotEnabled
	}

	if !s.twoFactor.VerifyTOTP(account.TwoFactorSecret, code) {
		s.record(ctx, "two_factor_rejected", account.ID, account.Email, nil)
		return LoginResult{}, ErrTwoFactorCodeInvalid
	}

	if sessionID != "" {
		if session, ok := s.sessions.Peek(sessionID); ok {
			// A session opened for another account is rejected untouched,
			// never consumed.
			if session.AccountID != account.ID {
				return LoginResult{}, ErrInvalidCredentials
			}
			s.sessions.MarkVerified(sessionID)
			_, _ = s.sessions.Redeem(sessionID)
		}
	}

	if err := s.lockout.Reset(ctx, account.ID); err != nil {
		return LoginResult{}, err
	}

	s.record(ctx, "two_factor_succeeded", account.ID, account.Email, nil)

	return s.issueResult(account, true)
}

// RecoverTwoFactor completes a 2FA login with a single-use backup code.
// Attempts are counted per account and rejected past the cap regardless of
// correctness; only a successful recovery resets the counter.
func (s *Service) RecoverTwoFactor(ctx context.Context, email, password, backupCode string) (LoginResult, error) {
	account, err := s.verifyCredentials(ctx, email, password)
	if err != nil {
		return LoginResult{}, err
	}

	if !account.TwoFactorEnabled {
		return LoginResult{}, ErrTwoFactorNotEnabled
	}

	attempts, err := s.store.RecordRecoveryAttempt(ctx, account.ID)
	if err != nil {
		return LoginResult{}, err
	}
	if attempts > twofactor.MaxRecoveryAttempts {
		s.record(ctx, "recovery_limit_exceeded", account.ID, account.Email, nil)
		return LoginResult{}, ErrRecoveryLimitExceeded
	}

	idx, ok := twofactor.VerifyBackupCode(backupCode, account.BackupCodeHashes)
	if !ok {
		s.record(ctx, "recovery_code_rejected", account.ID, account.Email, nil)
		return LoginResult{}, ErrTwoFactorCodeInvalid
	}

	remaining := append(append([]string{}, account.BackupCodeHashes[:idx]...), account.BackupCodeHashes[idx+1:]...)
	if err := s.store.ReplaceBackupCodes(ctx, account.ID, remaining); err != nil {
		return LoginResult{}, err
	}
	if err := s.store.ResetRecoveryAttempts(ctx, account.ID); err != nil {
		return LoginResult{}, err
	}
	if err := s.lockout.Reset(ctx, account.ID); err != nil {
		return LoginResult{}, err
	}

	s.record(ctx, "recovery_code_consumed", account.ID, account.Email, map[string]any{
		"codes_remaining": len(remaining),
	})

	return s.issueResult(account, true)
}

// ChangePassword rotates the credential after verifying the current one. It
// deliberately leaves lockout state untouched.
func (s *Service) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string) error {
	account, err := s.store.FindAccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	if !s.credentials.Verify(currentPassword, account.PasswordHash) {
		return ErrInvalidCredentials
	}

	if ok, violations := s.policy.Validate(newPassword); !ok {
		return PolicyError{Violations: violations}
	}

	hash, err := s.credentials.Hash(newPassword)
	if err != nil {
		return err
	}

	if err := s.store.UpdatePasswordHash(ctx, account.ID, hash, s.nowFn()); err != nil {
		return err
	}

	s.record(ctx, "password_changed", account.ID, account.Email, nil)

	return nil
}

// EnableTwoFactor stages a fresh secret and backup codes. 2FA stays off
// until VerifyTwoFactor confirms the authenticator produces valid codes.
// The plaintext backup codes are returned exactly once. An account with
// active 2FA must disable it first: re-staging would replace the secret and
// flip 2FA off, handing anyone with just the password a way to strip the
// second factor.
func (s *Service) EnableTwoFactor(ctx context.Context, accountID string) (secret, otpauthURL string, backupCodes []string, err error) {
	account, err := s.store.FindAccountByID(ctx, accountID)
	if err != nil {
		return "", "", nil, err
	}

	if account.TwoFactorEnabled {
		return "", "", nil, ErrTwoFactorAlreadyEnabled
	}

	secret, otpauthURL, err = s.twoFactor.GenerateSecret(account.Email)
	if err != nil {
		return "", "", nil, err
	}

	codes, hashes, err := s.twoFactor.GenerateBackupCodes(twofactor.BackupCodeCount)
	if err != nil {
		return "", "", nil, err
	}

	if err := s.store.StageTwoFactor(ctx, account.ID, secret, hashes); err != nil {
		return "", "", nil, err
	}

	s.record(ctx, "two_factor_staged", account.ID, account.Email, nil)

	return secret, otpauthURL, codes, nil
}

// VerifyTwoFactor activates a staged enrollment once the submitted TOTP code
// proves the authenticator holds the secret.
func (s *Service) VerifyTwoFactor(ctx context.Context, accountID, code string) error {
	account, err := s.store.FindAccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	if account.TwoFactorSecret == "" {
		return ErrTwoFactorNotEnabled
	}

	if !s.twoFactor.VerifyTOTP(account.TwoFactorSecret, code) {
		return ErrTwoFactorCodeInvalid
	}

	if err := s.store.ActivateTwoFactor(ctx, account.ID); err != nil {
		return err
	}

	s.record(ctx, "two_factor_enabled", account.ID, account.Email, nil)

	return nil
}

// DisableTwoFactor turns 2FA off after re-verifying the password. Secret and
// backup codes are discarded.
func (s *Service) DisableTwoFactor(ctx context.Context, accountID, password string) error {
	account, err := s.store.FindAccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	if !s.credentials.Verify(password, account.PasswordHash) {
		return ErrInvalidCredentials
	}

	if err := s.store.DisableTwoFactor(ctx, account.ID); err != nil {
		return err
	}

	s.record(ctx, "two_factor_disabled", account.ID, account.Email, nil)

	return nil
}

// RequestPasswordReset issues a reset token. The caller-visible outcome is
// identical whether or not the email belongs to an account; the token is
// only returned so non-production builds can expose it for testing.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	email = normalizeEmail(email)

	token, err := s.reset.Request(ctx, email)
	if err != nil {
		return "", err
	}

	s.record(ctx, "password_reset_requested", "", email, nil)

	return token, nil
}

// ResetPassword redeems a reset token.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := s.reset.Redeem(ctx, strings.TrimSpace(token), newPassword); err != nil {
		return err
	}

	s.record(ctx, "password_reset_completed", "", "", nil)

	return nil
}

// Account loads the account behind a verified token subject.
func (s *Service) Account(ctx context.Context, accountID string) (Account, error) {
	return s.store.FindAccountByID(ctx, accountID)
}

// verifyCredentials is the shared first pass of every login-shaped
// operation: lockout check before the bcrypt comparison, failure recording
// on a bad password, unconditional reset left to the caller.
func (s *Service) verifyCredentials(ctx context.Context, email, password string) (Account, error) {
	email = normalizeEmail(email)
	password = strings.TrimSpace(password)

	if email == "" || password == "" {
		return Account{}, ErrInvalidCredentials
	}

	account, err := s.store.FindAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Account{}, ErrInvalidCredentials
		}
		return Account{}, err
	}

	if err := s.lockout.Check(account); err != nil {
		return Account{}, err
	}

	if !s.credentials.Verify(password, account.PasswordHash) {
		s.record(ctx, "login_failed", account.ID, account.Email, nil)

		if err := s.lockout.RecordFailure(ctx, account.ID); err != nil {
			var locked ErrAccountLocked
			if errors.As(err, &locked) {
				s.record(ctx, "account_locked", account.ID, account.Email, map[string]any{
					"locked_until": locked.Until.Format(time.RFC3339),
				})
			}
			return Account{}, err
		}

		return Account{}, ErrInvalidCredentials
	}

	return account, nil
}

func (s *Service) issueResult(account Account, twoFactorVerified bool) (LoginResult, error) {
	token, err := s.tokens.Issue(account.ID, twoFactorVerified, s.accessTTL)
	if err != nil {
		return LoginResult{}, err
	}

	return LoginResult{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.accessTTL.Seconds()),
		User:        account.Public(),
	}, nil
}

// record writes an audit event, best-effort. Audit failure never fails the
// operation that produced the event.
func (s *Service) record(ctx context.Context, kind, accountID, email string, detail map[string]any) {
	_ = s.audit.Record(ctx, audit.Event{
		Time:      s.nowFn(),
		Kind:      kind,
		AccountID: accountID,
		Email:     email,
		IP:        audit.IPFromContext(ctx),
		Detail:    detail,
	})
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
