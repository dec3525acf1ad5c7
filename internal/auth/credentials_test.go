package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerify(t *testing.T) {
	store := NewCredentialStore()

	hash, err := store.Hash("Tr0ub4dor&3xk")
	require.NoError(t, err)
	assert.NotContains(t, hash, "Tr0ub4dor")

	assert.True(t, store.Verify("Tr0ub4dor&3xk", hash))
	assert.False(t, store.Verify("wrong-password", hash))
}

func TestHashIsSalted(t *testing.T) {
	store := NewCredentialStore()

	first, err := store.Hash("Tr0ub4dor&3xk")
	require.NoError(t, err)
	second, err := store.Hash("Tr0ub4dor&3xk")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, store.Verify("Tr0ub4dor&3xk", first))
	assert.True(t, store.Verify("Tr0ub4dor&3xk", second))
}

func TestVerifyRejectsGarbageHash(t *testing.T) {
	store := NewCredentialStore()

	assert.False(t, store.Verify("anything", "not-a-bcrypt-hash"))
}

func TestHashRejectsOversizedInput(t *testing.T) {
	store := NewCredentialStore()

	_, err := store.Hash(strings.Repeat("x", 100))
	assert.Error(t, err)
}
