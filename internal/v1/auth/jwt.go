package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/v1/logging"
)

// Claims are the JWT claims understood by both JWT providers.
type Claims struct {
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func userFromClaims(claims *Claims) (*User, error) {
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	name := claims.Name
	if name == "" {
		short := claims.Subject
		if len(short) > 8 {
			short = short[:8]
		}
		name = fmt.Sprintf("User %s", short)
	}
	return &User{
		ID:    claims.Subject,
		Name:  name,
		Email: claims.Email,
		Roles: claims.Roles,
	}, nil
}

// HMACProvider validates tokens signed with a shared HS256 secret. This is
// the single-service deployment mode; issuer-based deployments use
// JWKSProvider instead.
type HMACProvider struct {
	secret []byte
}

// NewHMACProvider creates a provider for the given shared secret.
func NewHMACProvider(secret string) (*HMACProvider, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	return &HMACProvider{secret: []byte(secret)}, nil
}

func (p *HMACProvider) Authenticate(ctx context.Context, token string) (*User, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return p.secret, nil
	})
	if err != nil || !parsed.Valid {
		logging.Debug(ctx, "token validation failed", zap.Error(err))
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return userFromClaims(claims)
}

// JWKSProvider validates RS256 tokens against an issuer's published JWKS.
// Keys are fetched through a refreshing cache and looked up by kid.
type JWKSProvider struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewJWKSProvider creates a provider for the given issuer domain. The JWKS
// endpoint is registered with a refreshing cache and fetched once up front
// to ensure connectivity. Additional jwk.RegisterOption values are accepted
// for testability.
func NewJWKSProvider(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*JWKSProvider, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Fetch the keys for the first time to ensure connectivity.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &JWKSProvider{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: audience,
	}, nil
}

func (p *JWKSProvider) Authenticate(ctx context.Context, token string) (*User, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, p.keyFunc,
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
	)
	if err != nil || !parsed.Valid {
		logging.Debug(ctx, "token validation failed", zap.Error(err))
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return userFromClaims(claims)
}
