package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticateDisabled(t *testing.T) {
	a, err := NewAuthenticator(Config{})
	require.NoError(t, err)
	assert.False(t, a.IsEnabled())

	_, _, err = a.Authenticate("admin", "secret")
	assert.True(t, errors.Is(err, ErrAuthDisabled))
}

func TestAuthenticateRequiresPassword(t *testing.T) {
	_, err := NewAuthenticator(Config{Enabled: true})
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	a, err := NewAuthenticator(Config{Enabled: true, Username: "guard", Password: "secret", JWTSecret: "k"})
	require.NoError(t, err)

	token, expiresAt, err := a.Authenticate("guard", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Greater(t, expiresAt, time.Now().Unix())

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "guard", claims.Username)
	assert.Equal(t, "sentinai", claims.Issuer)

	_, _, err = a.Authenticate("guard", "wrong")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	_, _, err = a.Authenticate("admin", "secret")
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
}

func TestAuthenticateWithHashedPassword(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)

	a, err := NewAuthenticator(Config{Enabled: true, Password: hash})
	require.NoError(t, err)

	_, _, err = a.Authenticate("admin", "secret")
	assert.NoError(t, err)
}

func TestValidateToken(t *testing.T) {
	m, err := NewJWTManager("k", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, m.Expiry())

	other, err := NewJWTManager("other", time.Hour)
	require.NoError(t, err)
	token, _, err := other.GenerateToken("guard")
	require.NoError(t, err)
	_, err = m.ValidateToken(token)
	assert.True(t, errors.Is(err, ErrInvalidToken), "foreign signature")

	_, err = m.ValidateToken("not-a-token")
	assert.True(t, errors.Is(err, ErrInvalidToken))

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Username: "guard",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "sentinai",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = m.ValidateToken(signed)
	assert.True(t, errors.Is(err, ErrExpiredToken))
}

func TestRandomSecretPerManager(t *testing.T) {
	a, err := NewJWTManager("", 0)
	require.NoError(t, err)
	b, err := NewJWTManager("", 0)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, a.Expiry())

	token, _, err := a.GenerateToken("guard")
	require.NoError(t, err)
	_, err = b.ValidateToken(token)
	assert.Error(t, err)
}
