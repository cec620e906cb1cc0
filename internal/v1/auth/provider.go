// Package auth defines the pluggable authentication boundary. The session
// layer only sees the Provider interface; JWT validation (shared-secret or
// JWKS-backed) and the insecure development fallback live here.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/driftsync/driftsync/internal/v1/logging"
)

// ErrInvalidToken is returned by every provider when a token does not
// authenticate. Callers must not forward the underlying reason to clients.
var ErrInvalidToken = errors.New("auth: invalid token")

// User is an authenticated identity.
type User struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Email    string         `json:"email,omitempty"`
	Roles    []string       `json:"roles,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HasRole reports whether the user carries a role claim.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Provider authenticates tokens. Implementations must be safe for concurrent
// use; the hub shares one provider across every connection.
type Provider interface {
	// Authenticate resolves a token into a user, or ErrInvalidToken.
	Authenticate(ctx context.Context, token string) (*User, error)
}

// NoAuth accepts any non-empty token and uses it as the user id. Development
// only; it logs a warning the first time it is exercised.
type NoAuth struct {
	warnOnce sync.Once
}

// NewNoAuth creates the insecure development provider.
func NewNoAuth() *NoAuth {
	return &NoAuth{}
}

func (p *NoAuth) Authenticate(ctx context.Context, token string) (*User, error) {
	p.warnOnce.Do(func() {
		logging.Warn(ctx, "NoAuth provider is enabled - this is insecure and should only be used for development")
	})
	if token == "" {
		return nil, ErrInvalidToken
	}
	short := token
	if len(short) > 8 {
		short = short[:8]
	}
	return &User{ID: token, Name: fmt.Sprintf("User %s", short)}, nil
}

// GetAllowedOriginsFromEnv reads a comma-separated origin allowlist from the
// environment, falling back to development defaults when unset.
//
// Example: ALLOWED_ORIGINS="http://localhost:3000,https://your-app.com"
func GetAllowedOriginsFromEnv(envVarName string, defaultOrigins []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins: %v", envVarName, defaultOrigins))
		return defaultOrigins
	}
	return strings.Split(originsStr, ",")
}
