package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHMAC(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestHMACProvider_ValidToken(t *testing.T) {
	provider, err := NewHMACProvider("test-secret")
	require.NoError(t, err)

	token := signHMAC(t, "test-secret", Claims{
		Name:  "Alice",
		Email: "alice@example.com",
		Roles: []string{"editor"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	user, err := provider.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "Alice", user.Name)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.True(t, user.HasRole("editor"))
	assert.False(t, user.HasRole("admin"))
}

func TestHMACProvider_Rejections(t *testing.T) {
	provider, err := NewHMACProvider("test-secret")
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("wrong secret", func(t *testing.T) {
		token := signHMAC(t, "other-secret", Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		})
		_, err := provider.Authenticate(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		token := signHMAC(t, "test-secret", Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		})
		_, err := provider.Authenticate(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		token := signHMAC(t, "test-secret", Claims{Name: "No Subject"})
		_, err := provider.Authenticate(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := provider.Authenticate(ctx, "not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestHMACProvider_DefaultsNameFromSubject(t *testing.T) {
	provider, err := NewHMACProvider("test-secret")
	require.NoError(t, err)

	token := signHMAC(t, "test-secret", Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-123456789"},
	})
	user, err := provider.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "User user-123", user.Name)
}

func TestNewHMACProvider_EmptySecret(t *testing.T) {
	_, err := NewHMACProvider("")
	assert.Error(t, err)
}

func TestNoAuth(t *testing.T) {
	provider := NewNoAuth()
	ctx := context.Background()

	user, err := provider.Authenticate(ctx, "some-user-token")
	require.NoError(t, err)
	assert.Equal(t, "some-user-token", user.ID)
	assert.Equal(t, "User some-use", user.Name)
	assert.Empty(t, user.Roles)

	_, err = provider.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
