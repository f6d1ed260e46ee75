package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

const (
	refreshTokenBytes = 64
	resetTokenBytes   = 32
	jtiBytes          = 16
)

// GenerateRefreshToken returns a random Base64URL token (64 bytes) and its SHA256 hash as hex
func GenerateRefreshToken() (token string, hashHex string, err error) {
	return generateOpaque(refreshTokenBytes)
}

// GenerateResetToken returns a random Base64URL reset-link secret (32 bytes) and its SHA256 hash as hex
func GenerateResetToken() (token string, hashHex string, err error) {
	return generateOpaque(resetTokenBytes)
}

// HashRefreshToken returns SHA256 hex of the token
func HashRefreshToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// GenerateJTI returns a random 128-bit identifier as hex.
func GenerateJTI() (string, error) {
	b := make([]byte, jtiBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func generateOpaque(n int) (string, string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	token := base64.RawURLEncoding.EncodeToString(b)
	return token, HashRefreshToken(token), nil
}
