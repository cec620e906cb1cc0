package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEnv_Defaults(t *testing.T) {
	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.False(t, cfg.RequireAuth)
	assert.True(t, cfg.AllowAnonymous)
	assert.True(t, cfg.AutoCreateRooms)
	assert.False(t, cfg.SaveOnOperation)
	assert.Equal(t, int64(100), cfg.RateLimit)
	assert.Equal(t, time.Second, cfg.RateWindow)
	assert.Equal(t, int64(1024*1024), cfg.MaxMessageSize)
	assert.Equal(t, 60*time.Second, cfg.MessageTimeout)
	assert.Equal(t, 30*time.Second, cfg.FunctionTimeout)
	assert.Equal(t, 10, cfg.MaxConnectionsPerUser)
	assert.Equal(t, 5, cfg.AuthMaxAttempts)
	assert.Equal(t, 300*time.Second, cfg.AuthLockout)
	assert.Equal(t, 60*time.Second, cfg.PresenceStaleTimeout)
	assert.Equal(t, 30*time.Second, cfg.PresenceCleanupInterval)
	assert.Equal(t, StorageNone, cfg.StorageBackend)
	assert.False(t, cfg.HasAuth())
}

func TestValidateEnv_FullConfig(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")
	t.Setenv("REQUIRE_AUTH", "true")
	t.Setenv("ALLOW_ANONYMOUS", "false")
	t.Setenv("SAVE_ON_OPERATION", "true")
	t.Setenv("RATE_LIMIT", "50")
	t.Setenv("FUNCTION_TIMEOUT_S", "5")
	t.Setenv("STORAGE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))

	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
	assert.True(t, cfg.RequireAuth)
	assert.False(t, cfg.AllowAnonymous)
	assert.True(t, cfg.SaveOnOperation)
	assert.Equal(t, int64(50), cfg.RateLimit)
	assert.Equal(t, 5*time.Second, cfg.FunctionTimeout)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.True(t, cfg.HasAuth())
}

func TestValidateEnv_CollectsAllErrors(t *testing.T) {
	t.Setenv("PORT", "notaport")
	t.Setenv("RATE_LIMIT", "-3")
	t.Setenv("STORAGE_BACKEND", "carrier-pigeon")
	t.Setenv("JWT_SECRET", "short")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
	assert.Contains(t, err.Error(), "RATE_LIMIT")
	assert.Contains(t, err.Error(), "STORAGE_BACKEND")
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestValidateEnv_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "postgres")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_DSN")
}

func TestValidateEnv_AuthExclusivity(t *testing.T) {
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("JWT_ISSUER_DOMAIN", "issuer.example.com")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestValidateEnv_IssuerNeedsAudience(t *testing.T) {
	t.Setenv("JWT_ISSUER_DOMAIN", "issuer.example.com")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_AUDIENCE")
}

func TestValidateEnv_RequireAuthNeedsProvider(t *testing.T) {
	t.Setenv("REQUIRE_AUTH", "true")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REQUIRE_AUTH")
}
