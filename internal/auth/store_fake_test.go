package auth

import (
	"context"
	"sync"
	"time"
)

// fakeStore is the in-memory Store used by the package tests. It mirrors the
// atomic-update semantics the production repository gets from Postgres.
type fakeStore struct {
	mu          sync.Mutex
	accounts    map[string]*Account
	idByEmail   map[string]string
	resetTokens map[string]ResetToken
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:    make(map[string]*Account),
		idByEmail:   make(map[string]string),
		resetTokens: make(map[string]ResetToken),
	}
}

func (f *fakeStore) InsertAccount(ctx context.Context, account Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.idByEmail[account.Email]; exists {
		return ErrDuplicateIdentity
	}

	stored := account
	f.accounts[account.ID] = &stored
	f.idByEmail[account.Email] = account.ID

	return nil
}

func (f *fakeStore) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, ok := f.idByEmail[email]
	if !ok {
		return Account{}, ErrAccountNotFound
	}

	return *f.accounts[id], nil
}

func (f *fakeStore) FindAccountByID(ctx context.Context, id string) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	account, ok := f.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}

	return *account, nil
}

func (f *fakeStore) CountAccountsByIdentity(ctx context.Context, email, username string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, account := range f.accounts {
		if account.Email == email || account.Username == username {
			count++
		}
	}

	return count, nil
}

func (f *fakeStore) RecordFailedLogin(ctx context.Context, id string, threshold int, lockFor time.Duration, now time.Time) (LockState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	account, ok := f.accounts[id]
	if !ok {
		return LockState{}, ErrAccountNotFound
	}

	account.FailedLoginAttempts++
	if account.FailedLoginAttempts >= threshold {
		until := now.UTC().Add(lockFor)
		account.LockedUntil = &until
	}

	return LockState{FailedAttempts: account.FailedLoginAttempts, LockedUntil: account.LockedUntil}, nil
}

func (f *fakeStore) ClearLockout(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if account, ok := f.accounts[id]; ok {
		account.FailedLoginAttempts = 0
		account.LockedUntil = nil
	}

	return nil
}

func (f *fakeStore) UpdatePasswordHash(ctx context.Context, id, hash string, changedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if account, ok := f.accounts[id]; ok {
		account.PasswordHash = hash
		account.LastPasswordChange = changedAt.UTC()
	}

	return nil
}

func (f *fakeStore) StageTwoFactor(ctx context.Context, id, secret string, backupHashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if account, ok := f.accounts[id]; ok {
		account.TwoFactorSecret = secret
		account.BackupCodeHashes = backupHashes
		account.TwoFactorEnabled = false
		account.RecoveryAttempts = 0
	}

	return nil
}

func (f *fakeStore) ActivateTwoFactor(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if account, ok := f.accounts[id]; ok {
		account.TwoFactorEnabled = true
	}

	return nil
}

func (f *fakeStore) DisableTwoFactor(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if account, ok := f.accounts[id]; ok {
		account.TwoFactorEnabled = false
		account.TwoFactorSecret = ""
		account.BackupCodeHashes = nil
		account.RecoveryAttempts = 0
	}

	return nil
}

func (f *fakeStore) ReplaceBackupCodes(ctx context.Context, id string, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if account, ok := f.accounts[id]; ok {
		account.BackupCodeHashes = hashes
	}

	return nil
}

func (f *fakeStore) RecordRecoveryAttempt(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	account, ok := f.accounts[id]
	if !ok {
		return 0, ErrAccountNotFound
	}

	account.RecoveryAttempts++

	return account.RecoveryAttempts, nil
}

func (f *fakeStore) ResetRecoveryAttempts(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if account, ok := f.accounts[id]; ok {
		account.RecoveryAttempts = 0
	}

	return nil
}

func (f *fakeStore) UpsertResetToken(ctx context.Context, accountID, tokenHash string, expiresAt, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.resetTokens[accountID] = ResetToken{
		AccountID: accountID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: now.UTC(),
	}

	return nil
}

func (f *fakeStore) FindResetToken(ctx context.Context, tokenHash string) (ResetToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, token := range f.resetTokens {
		if token.TokenHash == tokenHash {
			return token, nil
		}
	}

	return ResetToken{}, ErrResetTokenInvalid
}

func (f *fakeStore) DeleteResetToken(ctx context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.resetTokens, accountID)

	return nil
}
