package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified content of a session token.
type Claims struct {
	AccountID         string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	TwoFactorVerified bool
}

// TokenIssuer signs and verifies bearer session tokens. Verification is
// stateless (signature + expiry only), so any process holding the secret can
// validate; revoking a single token before its natural expiry is not
// supported.
type TokenIssuer struct {
	secret []byte
	nowFn  func() time.Time
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Test hook.
func (t *TokenIssuer) WithClock(nowFn func() time.Time) *TokenIssuer {
	t.nowFn = nowFn
	return t
}

// Issue signs a token for accountID. twoFactorVerified starts true only for
// accounts without 2FA; otherwise a first-pass token carries false and is
// insufficient for 2FA-gated operations.
func (t *TokenIssuer) Issue(accountID string, twoFactorVerified bool, ttl time.Duration) (string, error) {
	now := t.nowFn()
	claims := jwt.MapClaims{
		"sub": accountID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"typ": "access",
		"2fa": twoFactorVerified,
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, nil
}

// Verify parses and validates a token, distinguishing expired, malformed and
// bad-signature failures for the caller. Handlers surface all three
// uniformly as unauthorized.
func (t *TokenIssuer) Verify(tokenStr string) (Claims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.nowFn))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Claims{}, ErrTokenSignature
		default:
			return Claims{}, ErrTokenMalformed
		}
	}
	if !token.Valid {
		return Claims{}, ErrTokenMalformed
	}

	if tokenType, _ := claims["typ"].(string); tokenType != "access" {
		return Claims{}, ErrTokenMalformed
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return Claims{}, ErrTokenMalformed
	}

	verified, _ := claims["2fa"].(bool)

	issuedAt, _ := claims["iat"].(float64)
	expiresAt, _ := claims["exp"].(float64)

	return Claims{
		AccountID:         subject,
		IssuedAt:          time.Unix(int64(issuedAt), 0).UTC(),
		ExpiresAt:         time.Unix(int64(expiresAt), 0).UTC(),
		TwoFactorVerified: verified,
	}, nil
}
