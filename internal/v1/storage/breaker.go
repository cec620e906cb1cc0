package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/driftsync/driftsync/internal/v1/metrics"
)

// BreakerBackend wraps another backend in a circuit breaker. When the store
// keeps failing the breaker opens and calls fail fast, so room traffic keeps
// flowing while persistence is down.
type BreakerBackend struct {
	inner Backend
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker wraps backend with a circuit breaker named for metrics.
func WithBreaker(name string, backend Backend) *BreakerBackend {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}
	return &BreakerBackend{inner: backend, cb: gobreaker.NewCircuitBreaker(st)}
}

// execute runs fn through the breaker. ErrNotFound counts as success: a
// missing key says nothing about the store's health.
func (b *BreakerBackend) execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(func() (any, error) {
		out, err := fn()
		if errors.Is(err, ErrNotFound) {
			return notFoundResult{}, nil
		}
		return out, err
	})
	if err != nil {
		return nil, err
	}
	if _, missing := result.(notFoundResult); missing {
		return nil, ErrNotFound
	}
	return result, nil
}

type notFoundResult struct{}

func (b *BreakerBackend) Connect(ctx context.Context) error {
	_, err := b.execute(func() (any, error) { return nil, b.inner.Connect(ctx) })
	return err
}

func (b *BreakerBackend) Disconnect(ctx context.Context) error {
	return b.inner.Disconnect(ctx)
}

func (b *BreakerBackend) Save(ctx context.Context, key string, data []byte) error {
	_, err := b.execute(func() (any, error) { return nil, b.inner.Save(ctx, key, data) })
	return err
}

func (b *BreakerBackend) Load(ctx context.Context, key string) ([]byte, error) {
	result, err := b.execute(func() (any, error) { return b.inner.Load(ctx, key) })
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (b *BreakerBackend) Delete(ctx context.Context, key string) (bool, error) {
	result, err := b.execute(func() (any, error) { return b.inner.Delete(ctx, key) })
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (b *BreakerBackend) Exists(ctx context.Context, key string) (bool, error) {
	result, err := b.execute(func() (any, error) { return b.inner.Exists(ctx, key) })
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (b *BreakerBackend) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	result, err := b.execute(func() (any, error) { return b.inner.ListKeys(ctx, prefix) })
	if err != nil {
		return nil, err
	}
	keys, _ := result.([]string)
	return keys, nil
}

var _ Backend = (*BreakerBackend)(nil)
