package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

// OverrideKeyBytes is how much randomness a generated override key holds.
// Hex encoding doubles it, so generated keys are 128 characters long.
const OverrideKeyBytes = 64

// MinOverrideKeyLength is the shortest caller-supplied override key accepted.
const MinOverrideKeyLength = 16

var ErrWeakOverrideKey = errors.New("override key too short")

// GenerateOverrideKey returns a fresh hex-encoded key from crypto/rand.
// Used when the server is built without an override key: clients can then
// only supersede their own connection if the key is handed to them out of band.
func GenerateOverrideKey() (string, error) {
	buf := make([]byte, OverrideKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate override key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidateOverrideKey checks a caller-supplied override key.
func ValidateOverrideKey(key string) error {
	if len(key) < MinOverrideKeyLength {
		return fmt.Errorf("%w: %d characters, need at least %d", ErrWeakOverrideKey, len(key), MinOverrideKeyLength)
	}
	return nil
}

// KeysEqual compares a presented credential with the configured one in
// constant time.
func KeysEqual(presented, configured string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
