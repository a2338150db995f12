package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenTTL is the bearer token validity window.
const TokenTTL = 7 * 24 * time.Hour

const minSecretLen = 32

// ErrInvalidToken is returned for any token that fails verification:
// bad signature, wrong algorithm, expired, or malformed subject.
var ErrInvalidToken = errors.New("invalid token")

// TokenManager mints and verifies symmetric-signed bearer tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager builds a token manager. The secret must be at least 32
// bytes; shorter secrets are a startup failure.
func NewTokenManager(secret string) (*TokenManager, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d bytes, got %d", minSecretLen, len(secret))
	}
	return &TokenManager{
		secret: []byte(secret),
		ttl:    TokenTTL,
	}, nil
}

// Generate mints an HS256 token whose subject is the tenant id, expiring
// TokenTTL from now.
func (m *TokenManager) Generate(userID uuid.UUID) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify validates signature and expiry and returns the subject tenant id.
func (m *TokenManager) Verify(tokenString string) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&jwt.RegisteredClaims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
	)
	if err != nil || !token.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return uuid.Nil, ErrInvalidToken
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return userID, nil
}

// Authorization header schemes.
const (
	schemeBearer = "bearer"
	schemeAPIKey = "apikey"
)

// splitAuthorization breaks an Authorization header value into its scheme
// (lowercased) and credential. Scheme matching is case-insensitive.
func splitAuthorization(header string) (scheme, credential string) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return strings.ToLower(parts[0]), strings.TrimSpace(parts[1])
}
