// Package twofactor implements TOTP enrollment and verification, single-use
// backup codes, and the pending-verification sessions that bridge a
// first-pass login to a fully verified one.
package twofactor

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// BackupCodeCount is how many backup codes are issued on enrollment.
	BackupCodeCount = 10

	// MaxRecoveryAttempts caps backup-code guesses per account. The counter
	// is persisted on the account and only reset by an explicit owner
	// action, independent of the login lockout.
	MaxRecoveryAttempts = 5

	totpPeriod = 30
)

type Engine struct {
	issuer string
	nowFn  func() time.Time
}

func NewEngine(issuer string) *Engine {
	return &Engine{
		issuer: issuer,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Test hook.
func (e *Engine) WithClock(nowFn func() time.Time) *Engine {
	e.nowFn = nowFn
	return e
}

// GenerateSecret returns a fresh base32 TOTP secret and the otpauth URL the
// client renders as a QR code.
func (e *Engine) GenerateSecret(accountName string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate totp secret: %w", err)
	}

	return key.Secret(), key.URL(), nil
}

// VerifyTOTP checks a submitted code against the secret with a tolerance of
// one time step either side to absorb clock drift.
func (e *Engine) VerifyTOTP(secret, code string) bool {
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, e.nowFn(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})

	return err == nil && ok
}

// GenerateBackupCodes returns count plaintext backup codes alongside their
// salted hashes. The plaintext is shown to the user exactly once; only the
// hashes are stored.
func (e *Engine) GenerateBackupCodes(count int) (codes, hashes []string, err error) {
	if count <= 0 {
		count = BackupCodeCount
	}

	codes = make([]string, 0, count)
	hashes = make([]string, 0, count)
	for i := 0; i < count; i++ {
		raw := make([]byte, 6)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}

		encoded := hex.EncodeToString(raw)
		code := fmt.Sprintf("%s-%s-%s", encoded[0:4], encoded[4:8], encoded[8:12])

		hash, err := HashBackupCode(code)
		if err != nil {
			return nil, nil, err
		}

		codes = append(codes, code)
		hashes = append(hashes, hash)
	}

	return codes, hashes, nil
}

// HashBackupCode hashes a backup code with a random salt. Backup codes are
// high-entropy random tokens, so salted SHA-256 is sufficient; the adaptive
// cost of bcrypt is reserved for user-chosen passwords.
func HashBackupCode(code string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate backup code salt: %w", err)
	}

	digest := sha256.Sum256(append(salt, []byte(normalizeCode(code))...))

	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(digest[:]), nil
}

// VerifyBackupCode checks a submitted code against every stored hash in
// constant time: each hash is compared regardless of earlier matches, so
// timing leaks neither position nor presence. On a match the caller must
// remove exactly the returned hash from the stored set (single use).
func VerifyBackupCode(submitted string, hashes []string) (matchIndex int, ok bool) {
	normalized := normalizeCode(submitted)
	matchIndex = -1

	for i, stored := range hashes {
		saltHex, digestHex, found := strings.Cut(stored, ":")
		if !found {
			continue
		}

		salt, err := hex.DecodeString(saltHex)
		if err != nil {
			continue
		}
		want, err := hex.DecodeString(digestHex)
		if err != nil {
			continue
		}

		got := sha256.Sum256(append(salt, []byte(normalized)...))
		if subtle.ConstantTimeCompare(got[:], want) == 1 && matchIndex < 0 {
			matchIndex = i
		}
	}

	return matchIndex, matchIndex >= 0
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
