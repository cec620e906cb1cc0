// Package ratelimit gates inbound WebSocket traffic: a per-connection frame
// limiter and a lockout tracker for failed authentication attempts.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/v1/logging"
)

// FrameLimiter enforces a per-connection message rate. Keys are connection
// ids, so one noisy client cannot starve the rest.
type FrameLimiter struct {
	limiter *limiter.Limiter
	store   limiter.Store
}

// NewFrameLimiter builds a limiter allowing rate frames per window. A nil
// redisClient falls back to an in-process store, which is the right choice
// for single-pod deployments and tests.
func NewFrameLimiter(rate int64, window time.Duration, redisClient *redis.Client) (*FrameLimiter, error) {
	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "driftsync:frames:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStore()
	}

	return &FrameLimiter{
		limiter: limiter.New(store, limiter.Rate{Period: window, Limit: rate}),
		store:   store,
	}, nil
}

// Allow consumes one token for the connection. The limiter fails open when
// the store errors; dropping frames because Redis hiccuped would be worse
// than briefly over-admitting.
func (l *FrameLimiter) Allow(ctx context.Context, connID string) bool {
	res, err := l.limiter.Get(ctx, connID)
	if err != nil {
		logging.Error(ctx, "frame limiter store failed", zap.Error(err))
		return true
	}
	return !res.Reached
}

// AuthLimiter locks a connection out of authentication after repeated
// failures. State is per connection id and discarded on disconnect.
type AuthLimiter struct {
	maxAttempts int
	lockout     time.Duration

	mu           sync.Mutex
	attempts     map[string]int
	lockoutUntil map[string]time.Time
	now          func() time.Time
}

// NewAuthLimiter allows maxAttempts failures before locking the connection
// out for the lockout duration.
func NewAuthLimiter(maxAttempts int, lockout time.Duration) *AuthLimiter {
	return &AuthLimiter{
		maxAttempts:  maxAttempts,
		lockout:      lockout,
		attempts:     make(map[string]int),
		lockoutUntil: make(map[string]time.Time),
		now:          time.Now,
	}
}

// Allow reports whether the connection may attempt authentication. An expired
// lockout resets the failure count.
func (l *AuthLimiter) Allow(connID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until, locked := l.lockoutUntil[connID]; locked {
		if l.now().Before(until) {
			return false
		}
		delete(l.lockoutUntil, connID)
		l.attempts[connID] = 0
	}
	return l.attempts[connID] < l.maxAttempts
}

// RecordFailure counts a failed attempt, starting the lockout at the limit.
func (l *AuthLimiter) RecordFailure(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[connID]++
	if l.attempts[connID] >= l.maxAttempts {
		l.lockoutUntil[connID] = l.now().Add(l.lockout)
	}
}

// RecordSuccess clears all failure state for the connection.
func (l *AuthLimiter) RecordSuccess(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, connID)
	delete(l.lockoutUntil, connID)
}

// Cleanup drops all state for a disconnected connection.
func (l *AuthLimiter) Cleanup(connID string) {
	l.RecordSuccess(connID)
}
