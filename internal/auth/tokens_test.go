package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewTokenManagerRejectsShortSecret(t *testing.T) {
	_, err := NewTokenManager("too-short")
	assert.Error(t, err)

	_, err = NewTokenManager(testSecret)
	assert.NoError(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	tm, err := NewTokenManager(testSecret)
	require.NoError(t, err)

	userID := uuid.New()
	token, err := tm.Generate(userID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := tm.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}

func TestVerifyExpiredToken(t *testing.T) {
	tm, err := NewTokenManager(testSecret)
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{
		Subject:   uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-8 * 24 * time.Hour)),
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = tm.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyWrongSecret(t *testing.T) {
	tm, err := NewTokenManager(testSecret)
	require.NoError(t, err)
	other, err := NewTokenManager("fedcba9876543210fedcba9876543210")
	require.NoError(t, err)

	token, err := other.Generate(uuid.New())
	require.NoError(t, err)

	_, err = tm.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsUnsignedToken(t *testing.T) {
	tm, err := NewTokenManager(testSecret)
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{
		Subject:   uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = tm.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyGarbage(t *testing.T) {
	tm, err := NewTokenManager(testSecret)
	require.NoError(t, err)

	for _, token := range []string{"", "garbage", "a.b.c"} {
		_, err := tm.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
	}
}

func TestVerifyNonUUIDSubject(t *testing.T) {
	tm, err := NewTokenManager(testSecret)
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{
		Subject:   "bob",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = tm.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSplitAuthorization(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		scheme     string
		credential string
	}{
		{"bearer", "Bearer abc123", schemeBearer, "abc123"},
		{"bearer lowercase", "bearer abc123", schemeBearer, "abc123"},
		{"api key", "ApiKey sk_live", schemeAPIKey, "sk_live"},
		{"api key upper", "APIKEY sk_live", schemeAPIKey, "sk_live"},
		{"no scheme", "abc123", "", ""},
		{"empty", "", "", ""},
		{"scheme only", "Bearer", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheme, credential := splitAuthorization(tt.header)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.credential, credential)
		})
	}
}
