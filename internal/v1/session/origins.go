package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/v1/logging"
)

// validateOrigin checks the Origin header against the allow list. Requests
// without an Origin header pass, so non-browser clients can connect.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowed_origins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}
