package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/openapigw/internal/observability"
)

// incrementWithExpiryScript increments, sets the TTL when the key has none
// and returns the value with the remaining TTL.
// KEYS[1] = key
// ARGV[1] = delta
// ARGV[2] = expiration in milliseconds
var incrementWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
		ttl = tonumber(ARGV[2])
	end
	return {current, ttl}
`)

// incrementExpireAtScript increments and pins an absolute expiry on keys
// that do not carry one yet.
// KEYS[1] = key
// ARGV[1] = delta
// ARGV[2] = unix seconds
var incrementExpireAtScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if redis.call('TTL', KEYS[1]) < 0 then
		redis.call('EXPIREAT', KEYS[1], ARGV[2])
	end
	return current
`)

// RedisConfig holds connection settings for RedisStore.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	Prefix       string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ConnectAttempts is the number of pings tried before giving up.
	ConnectAttempts uint
	// ConnectDelay is the base backoff between connection attempts.
	ConnectDelay time.Duration
}

// RedisStore implements Store on Redis.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	logger  observability.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	closed bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis, retrying with backoff until the server
// answers a ping or the attempts are exhausted.
func NewRedisStore(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisStore, error) {
	o := newOptions(opts)

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	attempts := cfg.ConnectAttempts
	if attempts == 0 {
		attempts = 5
	}
	delay := cfg.ConnectDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.MaxDelay(5*time.Second),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			o.logger.Debug("redis connection failed, retrying",
				observability.String("address", cfg.Address),
				observability.Int("attempt", int(n)+1),
				observability.Error(err),
			)
		}),
	).Do(func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	o.logger.Info("redis store connected",
		observability.String("address", cfg.Address),
		observability.Int("db", cfg.DB),
	)

	return NewRedisStoreFromClient(client, cfg.Prefix, opts...), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, opts ...Option) *RedisStore {
	o := newOptions(opts)
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// Key applies the configured key prefix.
func (s *RedisStore) Key(key string) string {
	return s.prefix + key
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// instrument opens a client span and returns the function that closes it
// and records the outcome.
func (s *RedisStore) instrument(ctx context.Context, op, key string) (context.Context, func(error)) {
	ctx, span := observability.StartSpan(ctx, "redis."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", op),
			attribute.String("db.key", key),
		),
	)
	return ctx, func(err error) {
		s.metrics.RecordStoreOperation(op, err)
		observability.RecordError(span, err)
		span.End()
	}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (value string, err error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context error before redis get: %w", err)
	}

	ctx, done := s.instrument(ctx, "get", key)
	defer func() {
		if errors.Is(err, ErrNotFound) {
			done(nil)
			return
		}
		done(err)
	}()

	value, err = s.client.Get(ctx, s.Key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("redis get error: %w", err)
	}
	return value, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) (err error) {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error before redis set: %w", err)
	}

	ctx, done := s.instrument(ctx, "set", key)
	defer func() { done(err) }()

	if err = s.client.Set(ctx, s.Key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// SetNX implements Store.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("context error before redis setnx: %w", err)
	}

	ctx, done := s.instrument(ctx, "setnx", key)
	defer func() { done(err) }()

	ok, err = s.client.SetNX(ctx, s.Key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx error: %w", err)
	}
	return ok, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) (err error) {
	if len(keys) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error before redis del: %w", err)
	}

	ctx, done := s.instrument(ctx, "delete", keys[0])
	defer func() { done(err) }()

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.Key(k)
	}
	if err = s.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}

// IncrementWithExpiry implements Store using a Lua script for atomicity.
func (s *RedisStore) IncrementWithExpiry(
	ctx context.Context,
	key string,
	delta int64,
	ttl time.Duration,
) (n int64, remaining time.Duration, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, fmt.Errorf("context error before redis incr with expiry: %w", err)
	}

	ctx, done := s.instrument(ctx, "incr_expire", key)
	defer func() { done(err) }()

	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}

	result, err := incrementWithExpiryScript.Run(ctx, s.client, []string{s.Key(key)}, delta, ms).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis script error: %w", err)
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("redis script returned unexpected result: %v", result)
	}
	if n, err = scriptInt(values[0]); err != nil {
		return 0, 0, err
	}
	pttl, err := scriptInt(values[1])
	if err != nil {
		return 0, 0, err
	}
	return n, time.Duration(pttl) * time.Millisecond, nil
}

// IncrementExpireAt implements Store using a Lua script for atomicity.
func (s *RedisStore) IncrementExpireAt(
	ctx context.Context,
	key string,
	delta int64,
	at time.Time,
) (n int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context error before redis incr expireat: %w", err)
	}

	ctx, done := s.instrument(ctx, "incr_expireat", key)
	defer func() { done(err) }()

	result, err := incrementExpireAtScript.Run(ctx, s.client, []string{s.Key(key)}, delta, at.Unix()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis script error: %w", err)
	}
	return scriptInt(result)
}

func scriptInt(result interface{}) (int64, error) {
	val, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("redis script returned unexpected type: %T", result)
	}
	return val, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
