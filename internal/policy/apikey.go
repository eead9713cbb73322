// Copyright 2025 James Ross
package policy

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// NewAPIKeySecret generates a fresh random secret; the caller pairs it
// with a prefix (used for O(1) lookup) and stores only HashAPIKeySecret's
// output — the raw secret is returned exactly once, at creation time.
func NewAPIKeySecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashAPIKeySecret bcrypt-hashes a raw secret for storage in ApiKey.SecretHash.
func HashAPIKeySecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyAPIKeySecret reports whether secret matches the stored bcrypt hash.
func VerifyAPIKeySecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
