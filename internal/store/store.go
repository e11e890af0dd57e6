// Package store provides the shared key-value store used for nonces,
// counters and read-through caches.
//
// Two implementations exist: RedisStore, shared by every gateway instance,
// and MemoryStore, which keeps state in process and is only correct for a
// single instance.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vyrodovalexey/openapigw/internal/observability"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// Store is the key-value contract the gateway relies on. Every mutating
// counter operation is atomic.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// IncrementWithExpiry adds delta, sets the TTL when the key has none and
	// returns the new value with the key's remaining lifetime.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Duration, error)

	// IncrementExpireAt adds delta and, when the key has no expiry yet,
	// makes it expire at the given instant.
	IncrementExpireAt(ctx context.Context, key string, delta int64, at time.Time) (int64, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources. It is idempotent.
	Close() error
}

// IsNotFound reports whether err means the key is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Option configures a store.
type Option func(*options)

type options struct {
	logger  observability.Logger
	metrics *observability.Metrics
}

func newOptions(opts []Option) options {
	o := options{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the store logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink for store operations.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}
