// Package config validates environment configuration at startup. All
// problems are collected and reported together so a misconfigured deploy
// fails once with the full list instead of dying one variable at a time.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backend names accepted in STORAGE_BACKEND.
const (
	StorageNone     = "none"
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config holds validated environment configuration.
type Config struct {
	Port            string
	DevelopmentMode bool
	AllowedOrigins  []string

	// Session behavior
	RequireAuth           bool
	AllowAnonymous        bool
	AutoCreateRooms       bool
	SaveOnOperation       bool
	RateLimit             int64
	RateWindow            time.Duration
	MaxMessageSize        int64
	MessageTimeout        time.Duration
	FunctionTimeout       time.Duration
	MaxConnectionsPerUser int
	AuthMaxAttempts       int
	AuthLockout           time.Duration

	// Presence reaper
	PresenceStaleTimeout    time.Duration
	PresenceCleanupInterval time.Duration

	// Storage
	StorageBackend string
	PostgresDSN    string
	RedisAddr      string
	RedisPassword  string

	// Auth: either a shared HMAC secret or an issuer domain + audience.
	JWTSecret       string
	JWTIssuerDomain string
	JWTAudience     string
}

// ValidateEnv validates all environment variables and returns a Config.
// Returns an error listing every invalid or missing variable.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	origins := getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	for _, origin := range strings.Split(origins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	cfg.RequireAuth = os.Getenv("REQUIRE_AUTH") == "true"
	cfg.AllowAnonymous = getEnvOrDefault("ALLOW_ANONYMOUS", "true") == "true"
	cfg.AutoCreateRooms = getEnvOrDefault("AUTO_CREATE_ROOMS", "true") == "true"
	cfg.SaveOnOperation = os.Getenv("SAVE_ON_OPERATION") == "true"

	cfg.RateLimit = envInt64(&errs, "RATE_LIMIT", 100)
	cfg.RateWindow = envSeconds(&errs, "RATE_WINDOW_S", 1)
	cfg.MaxMessageSize = envInt64(&errs, "MAX_MESSAGE_SIZE", 1024*1024)
	cfg.MessageTimeout = envSeconds(&errs, "MESSAGE_TIMEOUT_S", 60)
	cfg.FunctionTimeout = envSeconds(&errs, "FUNCTION_TIMEOUT_S", 30)
	cfg.MaxConnectionsPerUser = int(envInt64(&errs, "MAX_CONNECTIONS_PER_USER", 10))
	cfg.AuthMaxAttempts = int(envInt64(&errs, "AUTH_MAX_ATTEMPTS", 5))
	cfg.AuthLockout = envSeconds(&errs, "AUTH_LOCKOUT_S", 300)

	cfg.PresenceStaleTimeout = envSeconds(&errs, "PRESENCE_STALE_TIMEOUT_S", 60)
	cfg.PresenceCleanupInterval = envSeconds(&errs, "PRESENCE_CLEANUP_INTERVAL_S", 30)

	cfg.StorageBackend = getEnvOrDefault("STORAGE_BACKEND", StorageNone)
	switch cfg.StorageBackend {
	case StorageNone, StorageMemory:
	case StoragePostgres:
		cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")
		if cfg.PostgresDSN == "" {
			errs = append(errs, "POSTGRES_DSN is required when STORAGE_BACKEND=postgres")
		}
	case StorageRedis:
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	default:
		errs = append(errs, fmt.Sprintf("STORAGE_BACKEND must be one of none, memory, postgres, redis (got '%s')", cfg.StorageBackend))
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.JWTIssuerDomain = os.Getenv("JWT_ISSUER_DOMAIN")
	cfg.JWTAudience = os.Getenv("JWT_AUDIENCE")
	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}
	if cfg.JWTSecret != "" && cfg.JWTIssuerDomain != "" {
		errs = append(errs, "JWT_SECRET and JWT_ISSUER_DOMAIN are mutually exclusive")
	}
	if cfg.JWTIssuerDomain != "" && cfg.JWTAudience == "" {
		errs = append(errs, "JWT_AUDIENCE is required when JWT_ISSUER_DOMAIN is set")
	}
	if cfg.RequireAuth && cfg.JWTSecret == "" && cfg.JWTIssuerDomain == "" {
		errs = append(errs, "REQUIRE_AUTH needs JWT_SECRET or JWT_ISSUER_DOMAIN")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// HasAuth reports whether any JWT configuration is present.
func (c *Config) HasAuth() bool {
	return c.JWTSecret != "" || c.JWTIssuerDomain != ""
}

func envInt64(errs *[]string, key string, defaultValue int64) int64 {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 1 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer (got '%s')", key, raw))
		return defaultValue
	}
	return value
}

func envSeconds(errs *[]string, key string, defaultSeconds int64) time.Duration {
	return time.Duration(envInt64(errs, key, defaultSeconds)) * time.Second
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"development_mode", cfg.DevelopmentMode,
		"allowed_origins", cfg.AllowedOrigins,
		"require_auth", cfg.RequireAuth,
		"allow_anonymous", cfg.AllowAnonymous,
		"auto_create_rooms", cfg.AutoCreateRooms,
		"save_on_operation", cfg.SaveOnOperation,
		"storage_backend", cfg.StorageBackend,
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"jwt_issuer_domain", cfg.JWTIssuerDomain,
	)
}

// getEnvOrDefault returns the environment variable or a default when unset.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret shows only the first characters of a secret.
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
