package twofactor

import (
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSecret(t *testing.T) {
	engine := NewEngine("skillforge")

	secret, url, err := engine.GenerateSecret("user@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.Contains(t, url, "otpauth://totp/")
	assert.Contains(t, url, "skillforge")
}

func TestVerifyTOTP(t *testing.T) {
	engine := NewEngine("skillforge")
	secret, _, err := engine.GenerateSecret("user@example.com")
	require.NoError(t, err)

	code, err := totp.GenerateCode(secret, time.Now().UTC())
	require.NoError(t, err)

	assert.True(t, engine.VerifyTOTP(secret, code))
	assert.False(t, engine.VerifyTOTP(secret, "000000"))
}

func TestVerifyTOTPAbsorbsClockDrift(t *testing.T) {
	now := time.Now().UTC()
	engine := NewEngine("skillforge").WithClock(func() time.Time { return now })

	secret, _, err := engine.GenerateSecret("user@example.com")
	require.NoError(t, err)

	// Code from the previous time step stays valid within the skew window.
	code, err := totp.GenerateCodeCustom(secret, now.Add(-30*time.Second), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	assert.True(t, engine.VerifyTOTP(secret, code))

	// Two steps out is beyond the tolerance.
	stale, err := totp.GenerateCodeCustom(secret, now.Add(-90*time.Second), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	assert.False(t, engine.VerifyTOTP(secret, stale))
}

func TestGenerateBackupCodes(t *testing.T) {
	engine := NewEngine("skillforge")

	codes, hashes, err := engine.GenerateBackupCodes(BackupCodeCount)
	require.NoError(t, err)
	require.Len(t, codes, BackupCodeCount)
	require.Len(t, hashes, BackupCodeCount)

	for _, code := range codes {
		parts := strings.Split(code, "-")
		require.Len(t, parts, 3)
		for _, part := range parts {
			assert.Len(t, part, 4)
		}
	}
}

func TestVerifyBackupCode(t *testing.T) {
	engine := NewEngine("skillforge")
	codes, hashes, err := engine.GenerateBackupCodes(3)
	require.NoError(t, err)

	idx, ok := VerifyBackupCode(codes[1], hashes)
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	_, ok = VerifyBackupCode("0000-0000-0000", hashes)
	assert.False(t, ok)
}

func TestVerifyBackupCodeSingleUse(t *testing.T) {
	engine := NewEngine("skillforge")
	codes, hashes, err := engine.GenerateBackupCodes(3)
	require.NoError(t, err)

	idx, ok := VerifyBackupCode(codes[0], hashes)
	require.True(t, ok)

	// Caller removes the consumed hash; the same code then fails.
	remaining := append(append([]string{}, hashes[:idx]...), hashes[idx+1:]...)
	_, ok = VerifyBackupCode(codes[0], remaining)
	assert.False(t, ok)
}

func TestVerifyBackupCodeNormalizesInput(t *testing.T) {
	engine := NewEngine("skillforge")
	codes, hashes, err := engine.GenerateBackupCodes(1)
	require.NoError(t, err)

	_, ok := VerifyBackupCode("  "+strings.ToUpper(codes[0])+"  ", hashes)
	assert.True(t, ok)
}

func TestHashBackupCodeSalts(t *testing.T) {
	first, err := HashBackupCode("ab12-cd34-ef56")
	require.NoError(t, err)
	second, err := HashBackupCode("ab12-cd34-ef56")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}
