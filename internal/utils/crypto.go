package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// APIKeyBytes is the amount of entropy in a generated device key.
const APIKeyBytes = 32

// GenerateAPIKey returns a new random device key, hex encoded.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, APIKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashAPIKey returns the SHA-256 digest of key, hex encoded. Used wherever a
// key must be stored or indexed outside the database.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// MaskKey truncates a secret for log output.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "..."
	}
	return key[:8] + "..."
}
