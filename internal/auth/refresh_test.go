package auth

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRefreshToken(t *testing.T) {
	tok, hash, err := GenerateRefreshToken()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)
	assert.Len(t, raw, 64)

	decoded, err := hex.DecodeString(hash)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)
	assert.Equal(t, HashRefreshToken(tok), hash)

	tok2, hash2, err := GenerateRefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, tok2)
	assert.NotEqual(t, hash, hash2)
}

func TestGenerateResetToken(t *testing.T) {
	tok, hash, err := GenerateResetToken()
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.Equal(t, HashRefreshToken(tok), hash)
}

func TestGenerateJTI(t *testing.T) {
	a, err := GenerateJTI()
	require.NoError(t, err)
	b, err := GenerateJTI()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestPasswordHasher(t *testing.T) {
	h, err := NewPasswordHasher(4)
	require.NoError(t, err)

	hash, err := h.Hash("correct horse")
	require.NoError(t, err)
	assert.True(t, h.Compare(hash, "correct horse"))
	assert.False(t, h.Compare(hash, "wrong horse"))
	assert.False(t, h.Compare("", "correct horse"))
	assert.False(t, h.Compare("not-a-bcrypt-hash", "correct horse"))

	_, err = NewPasswordHasher(99)
	assert.Error(t, err)
}
