package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost is deliberately above the library default; verification is
// meant to be slow.
const bcryptCost = 12

// CredentialStore hashes and verifies password credentials. It holds no
// state beyond the cost factor and never logs or returns plaintext.
type CredentialStore struct {
	cost int
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{cost: bcryptCost}
}

// Hash returns the salted adaptive hash of plain.
func (c *CredentialStore) Hash(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), c.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	return string(hash), nil
}

// Verify reports whether plain matches the stored hash.
func (c *CredentialStore) Verify(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
