package auth

import "time"

// Account is the persisted security state of one user. PasswordHash,
// TwoFactorSecret and BackupCodeHashes never leave this package.
type Account struct {
	ID                  string
	Email               string
	Username            string
	PasswordHash        string
	FailedLoginAttempts int
	LockedUntil         *time.Time
	TwoFactorEnabled    bool
	TwoFactorSecret     string
	BackupCodeHashes    []string
	RecoveryAttempts    int
	LastPasswordChange  time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PublicUser is the caller-facing projection of an account.
type PublicUser struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	Username         string `json:"username"`
	TwoFactorEnabled bool   `json:"two_factor_enabled"`
}

func (a Account) Public() PublicUser {
	return PublicUser{
		ID:               a.ID,
		Email:            a.Email,
		Username:         a.Username,
		TwoFactorEnabled: a.TwoFactorEnabled,
	}
}

// ResetToken is the persisted single-use password reset credential. One row
// per account; issuing a new token overwrites the previous one.
type ResetToken struct {
	AccountID string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// LockState is the outcome of recording a failed login.
type LockState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// LoginResult is what a successful credential exchange returns. When the
// account has 2FA enabled the token carries two_factor_verified=false and
// RequiresTwoFactor points the client at the second step.
type LoginResult struct {
	AccessToken        string     `json:"access_token"`
	TokenType          string     `json:"token_type"`
	ExpiresIn          int64      `json:"expires_in"`
	User               PublicUser `json:"user"`
	RequiresTwoFactor  bool       `json:"requires_2fa,omitempty"`
	TwoFactorSessionID string     `json:"two_factor_session_id,omitempty"`
}
