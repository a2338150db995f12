package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Two one-way forms are derived from every secret:
//
//   - a slow bcrypt verifier, stored and used for comparison
//   - a fast SHA-256 hex digest, stored on API keys as an indexable lookup
//     column
//
// bcrypt caps input at 72 bytes, so the plaintext is reduced to its SHA-256
// digest first. That keeps arbitrarily long passwords verifiable.

// HashSecret returns the bcrypt verifier for a plaintext secret.
func HashSecret(plain string) (string, error) {
	digest := sha256.Sum256([]byte(plain))
	hashed, err := bcrypt.GenerateFromPassword(digest[:], bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hashed), nil
}

// VerifySecret reports whether plain matches the stored bcrypt verifier.
func VerifySecret(plain, encoded string) bool {
	digest := sha256.Sum256([]byte(plain))
	return bcrypt.CompareHashAndPassword([]byte(encoded), digest[:]) == nil
}

// LookupDigest returns the deterministic lowercase-hex SHA-256 of the
// plaintext. 64 characters, usable as an index key.
func LookupDigest(plain string) string {
	digest := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(digest[:])
}

// NewAPIKeySecret generates a fresh API key plaintext: 32 random bytes,
// URL-safe base64 without padding. Returned to the caller exactly once;
// only the two hashes above are ever persisted.
func NewAPIKeySecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
