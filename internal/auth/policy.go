package auth

import (
	"fmt"
	"strings"
	"unicode"

	passwordvalidator "github.com/wagslane/go-password-validator"
)

const (
	minPasswordLength = 8

	// bcrypt rejects inputs over 72 bytes, so the policy caps there; the
	// bound also keeps hashing cost flat.
	maxPasswordLength = 72

	passwordSymbols = "!@#$%^&*()-_=+[]{};:'\",.<>/?`~\\|"

	// Entropy floor on top of the character-class rules.
	minPasswordEntropyBits = 30
)

// PasswordPolicy validates password strength. Every rule is checked
// independently so the caller sees all violations at once. Stateless.
type PasswordPolicy struct{}

func NewPasswordPolicy() *PasswordPolicy {
	return &PasswordPolicy{}
}

// Validate reports whether password satisfies the policy and lists every
// rule it breaks.
func (p *PasswordPolicy) Validate(password string) (bool, []string) {
	var violations []string

	if len(password) < minPasswordLength {
		violations = append(violations, fmt.Sprintf("must be at least %d characters long", minPasswordLength))
	}
	if len(password) > maxPasswordLength {
		violations = append(violations, fmt.Sprintf("must be at most %d characters long", maxPasswordLength))
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(passwordSymbols, r):
			hasSymbol = true
		}
	}

	if !hasUpper {
		violations = append(violations, "must contain at least one uppercase letter")
	}
	if !hasLower {
		violations = append(violations, "must contain at least one lowercase letter")
	}
	if !hasDigit {
		violations = append(violations, "must contain at least one digit")
	}
	if !hasSymbol {
		violations = append(violations, "must contain at least one symbol")
	}

	if len(violations) == 0 {
		if err := passwordvalidator.Validate(password, minPasswordEntropyBits); err != nil {
			violations = append(violations, "is too predictable, use a less common password")
		}
	}

	return len(violations) == 0, violations
}

// Requirements describes the policy for GET /auth/password-requirements.
func (p *PasswordPolicy) Requirements() map[string]any {
	return map[string]any{
		"min_length":      minPasswordLength,
		"max_length":      maxPasswordLength,
		"requires_upper":  true,
		"requires_lower":  true,
		"requires_digit":  true,
		"requires_symbol": true,
		"allowed_symbols": passwordSymbols,
	}
}
