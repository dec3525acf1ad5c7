package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store is the persistence seam of the auth core. It assumes atomic
// single-document update semantics from the backing store: failed-attempt
// counting and lockout-on-threshold are each one atomic update, never a
// read-modify-write pair. The production implementation is Postgres; tests
// use an in-memory fake.
type Store interface {
	InsertAccount(ctx context.Context, account Account) error
	FindAccountByEmail(ctx context.Context, email string) (Account, error)
	FindAccountByID(ctx context.Context, id string) (Account, error)
	CountAccountsByIdentity(ctx context.Context, email, username string) (int, error)

	RecordFailedLogin(ctx context.Context, id string, threshold int, lockFor time.Duration, now time.Time) (LockState, error)
	ClearLockout(ctx context.Context, id string) error

	UpdatePasswordHash(ctx context.Context, id, hash string, changedAt time.Time) error

	StageTwoFactor(ctx context.Context, id, secret string, backupHashes []string) error
	ActivateTwoFactor(ctx context.Context, id string) error
	DisableTwoFactor(ctx context.Context, id string) error
	ReplaceBackupCodes(ctx context.Context, id string, hashes []string) error
	RecordRecoveryAttempt(ctx context.Context, id string) (int, error)
	ResetRecoveryAttempts(ctx context.Context, id string) error

	UpsertResetToken(ctx context.Context, accountID, tokenHash string, expiresAt, now time.Time) error
	FindResetToken(ctx context.Context, tokenHash string) (ResetToken, error)
	DeleteResetToken(ctx context.Context, accountID string) error
}

// Repository is the Postgres-backed Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type CleanupResult struct {
	DeletedResetTokens int64 `json:"deleted_reset_tokens"`
	ClearedLockouts    int64 `json:"cleared_lockouts"`
}

const accountColumns = `
	id, email, username, password_hash,
	failed_login_attempts, locked_until,
	two_factor_enabled, two_factor_secret, two_factor_backup_codes, two_factor_recovery_attempts,
	last_password_change, created_at, updated_at
`

func (r *Repository) InsertAccount(ctx context.Context, account Account) error {
	backupCodes, err := json.Marshal(account.BackupCodeHashes)
	if err != nil {
		return fmt.Errorf("encode backup codes: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		account.ID, account.Email, account.Username, account.PasswordHash,
		account.FailedLoginAttempts, nullableTime(account.LockedUntil),
		account.TwoFactorEnabled, nullableString(account.TwoFactorSecret), string(backupCodes), account.RecoveryAttempts,
		account.LastPasswordChange.UTC(), account.CreatedAt.UTC(), account.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdentity
		}
		return fmt.Errorf("insert account: %w", err)
	}

	return nil
}

func (r *Repository) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	return r.findAccount(ctx, `WHERE email = $1`, email)
}

func (r *Repository) FindAccountByID(ctx context.Context, id string) (Account, error) {
	return r.findAccount(ctx, `WHERE id = $1`, id)
}

func (r *Repository) findAccount(ctx context.Context, where string, arg any) (Account, error) {
	var (
		account     Account
		lockedUntil sql.NullTime
		secret      sql.NullString
		backupCodes string
	)

	err := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts `+where, arg).Scan(
		&account.ID, &account.Email, &account.Username, &account.PasswordHash,
		&account.FailedLoginAttempts, &lockedUntil,
		&account.TwoFactorEnabled, &secret, &backupCodes, &account.RecoveryAttempts,
		&account.LastPasswordChange, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("query account: %w", err)
	}

	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		account.LockedUntil = &value
	}
	if secret.Valid {
		account.TwoFactorSecret = secret.String
	}
	if err := json.Unmarshal([]byte(backupCodes), &account.BackupCodeHashes); err != nil {
		return Account{}, fmt.Errorf("decode backup codes: %w", err)
	}

	return account, nil
}

func (r *Repository) CountAccountsByIdentity(ctx context.Context, email, username string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM accounts WHERE email = $1 OR username = $2
	`, email, username).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}

	return count, nil
}

// RecordFailedLogin increments the failure counter and sets the lock when
// the threshold is reached, in one atomic statement so two concurrent failed
// attempts never lose an increment.
func (r *Repository) RecordFailedLogin(ctx context.Context, id string, threshold int, lockFor time.Duration, now time.Time) (LockState, error) {
	var (
		state       LockState
		lockedUntil sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET
			failed_login_attempts = failed_login_attempts + 1,
			locked_until = CASE
				WHEN failed_login_attempts + 1 >= $2 THEN $3
				ELSE locked_until
			END,
			updated_at = $4
		WHERE id = $1
		RETURNING failed_login_attempts, locked_until
	`, id, threshold, now.UTC().Add(lockFor), now.UTC()).Scan(&state.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LockState{}, ErrAccountNotFound
		}
		return LockState{}, fmt.Errorf("record failed login: %w", err)
	}

	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		state.LockedUntil = &value
	}

	return state, nil
}

func (r *Repository) ClearLockout(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET failed_login_attempts = 0, locked_until = NULL, updated_at = $2
		WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear lockout: %w", err)
	}

	return nil
}

func (r *Repository) UpdatePasswordHash(ctx context.Context, id, hash string, changedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET password_hash = $2, last_password_change = $3, updated_at = $3
		WHERE id = $1
	`, id, hash, changedAt.UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}

	return nil
}

// StageTwoFactor stores a fresh secret and backup codes without enabling
// 2FA; activation waits for the owner to prove the authenticator works.
func (r *Repository) StageTwoFactor(ctx context.Context, id, secret string, backupHashes []string) error {
	encoded, err := json.Marshal(backupHashes)
	if err != nil {
		return fmt.Errorf("encode backup codes: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE accounts
		SET two_factor_secret = $2, two_factor_backup_codes = $3,
		    two_factor_enabled = FALSE, two_factor_recovery_attempts = 0, updated_at = $4
		WHERE id = $1
	`, id, secret, string(encoded), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("stage two factor: %w", err)
	}

	return nil
}

func (r *Repository) ActivateTwoFactor(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET two_factor_enabled = TRUE, updated_at = $2 WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("activate two factor: %w", err)
	}

	return nil
}

func (r *Repository) DisableTwoFactor(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET two_factor_enabled = FALSE, two_factor_secret = NULL,
		    two_factor_backup_codes = '[]', two_factor_recovery_attempts = 0, updated_at = $2
		WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("disable two factor: %w", err)
	}

	return nil
}

func (r *Repository) ReplaceBackupCodes(ctx context.Context, id string, hashes []string) error {
	encoded, err := json.Marshal(hashes)
	if err != nil {
		return fmt.Errorf("encode backup codes: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE accounts SET two_factor_backup_codes = $2, updated_at = $3 WHERE id = $1
	`, id, string(encoded), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("replace backup codes: %w", err)
	}

	return nil
}

func (r *Repository) RecordRecoveryAttempt(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET two_factor_recovery_attempts = two_factor_recovery_attempts + 1, updated_at = $2
		WHERE id = $1
		RETURNING two_factor_recovery_attempts
	`, id, time.Now().UTC()).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("record recovery attempt: %w", err)
	}

	return attempts, nil
}

func (r *Repository) ResetRecoveryAttempts(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET two_factor_recovery_attempts = 0, updated_at = $2 WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reset recovery attempts: %w", err)
	}

	return nil
}

// UpsertResetToken keeps at most one active reset token per account; a new
// request invalidates the previous token the moment it is stored.
func (r *Repository) UpsertResetToken(ctx context.Context, accountID, tokenHash string, expiresAt, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO password_reset_tokens (account_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id)
		DO UPDATE SET
			token_hash = EXCLUDED.token_hash,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at
	`, accountID, tokenHash, expiresAt.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("upsert reset token: %w", err)
	}

	return nil
}

func (r *Repository) FindResetToken(ctx context.Context, tokenHash string) (ResetToken, error) {
	var token ResetToken
	err := r.db.QueryRowContext(ctx, `
		SELECT account_id, token_hash, expires_at, created_at
		FROM password_reset_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&token.AccountID, &token.TokenHash, &token.ExpiresAt, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ResetToken{}, ErrResetTokenInvalid
		}
		return ResetToken{}, fmt.Errorf("query reset token: %w", err)
	}

	token.ExpiresAt = token.ExpiresAt.UTC()

	return token, nil
}

func (r *Repository) DeleteResetToken(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM password_reset_tokens WHERE account_id = $1
	`, accountID)
	if err != nil {
		return fmt.Errorf("delete reset token: %w", err)
	}

	return nil
}

// CleanupStaleAuthData removes expired reset tokens and writes back expired
// lockouts in bounded batches. Advisory: both are also expired lazily on
// read.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	deletedTokens, err := r.deleteExpiredResetTokens(ctx, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	clearedLockouts, err := r.clearExpiredLockouts(ctx, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedResetTokens: deletedTokens,
		ClearedLockouts:    clearedLockouts,
	}, nil
}

func (r *Repository) deleteExpiredResetTokens(ctx context.Context, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT account_id
			FROM password_reset_tokens
			WHERE expires_at < NOW()
			ORDER BY expires_at ASC
			LIMIT $1
		)
		DELETE FROM password_reset_tokens t
		USING stale
		WHERE t.account_id = stale.account_id
	`, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete expired reset tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired reset tokens rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) clearExpiredLockouts(ctx context.Context, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM accounts
			WHERE locked_until IS NOT NULL AND locked_until < NOW()
			ORDER BY locked_until ASC
			LIMIT $1
		)
		UPDATE accounts a
		SET failed_login_attempts = 0, locked_until = NULL, updated_at = NOW()
		FROM stale
		WHERE a.id = stale.id
	`, batchSize)
	if err != nil {
		return 0, fmt.Errorf("clear expired lockouts: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired lockouts rows affected: %w", err)
	}

	return affected, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	// pgx surfaces SQLSTATE 23505 in the error text through database/sql.
	return err != nil && strings.Contains(err.Error(), "23505")
}
