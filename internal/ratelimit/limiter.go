package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/openapigw/internal/config"
	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/pathmatch"
	"github.com/vyrodovalexey/openapigw/internal/store"
)

// Dimension names a counting dimension.
type Dimension string

// Supported dimensions.
const (
	DimensionIP     Dimension = "ip"
	DimensionPath   Dimension = "path"
	DimensionIPPath Dimension = "ip_path"
)

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Dimension is the dimension that decided the result.
	Dimension Dimension

	// Limit is the maximum number of requests allowed in the window.
	Limit int

	// Remaining is the number of requests remaining in the current window.
	Remaining int

	// ResetAfter is the remaining lifetime of the deciding counter.
	ResetAfter time.Duration

	// RetryAfter is the duration to wait before retrying (when not allowed).
	RetryAfter time.Duration
}

type rule struct {
	pattern *pathmatch.Pattern
	limit   int
	window  time.Duration
}

// policy is the hot-reloadable part of the limiter.
type policy struct {
	defaultLimit  int
	defaultWindow time.Duration
	dimensions    []Dimension
	rules         []rule
	skip          *pathmatch.Set
}

func buildPolicy(cfg config.RateLimitConfig) (*policy, error) {
	p := &policy{
		defaultLimit:  cfg.DefaultLimit,
		defaultWindow: cfg.DefaultWindow.OrDefault(config.DefaultRateWindow),
	}
	if p.defaultLimit <= 0 {
		p.defaultLimit = config.DefaultRateLimit
	}

	for _, d := range cfg.Dimensions {
		switch Dimension(d) {
		case DimensionIP, DimensionPath, DimensionIPPath:
			p.dimensions = append(p.dimensions, Dimension(d))
		default:
			return nil, fmt.Errorf("unknown rate limit dimension %q", d)
		}
	}

	for _, r := range cfg.Rules {
		pattern, err := pathmatch.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rate limit rule: %w", err)
		}
		p.rules = append(p.rules, rule{
			pattern: pattern,
			limit:   r.Limit,
			window:  r.Window.OrDefault(p.defaultWindow),
		})
	}

	skip, err := pathmatch.NewSet(cfg.SkipPaths)
	if err != nil {
		return nil, fmt.Errorf("rate limit skip paths: %w", err)
	}
	p.skip = skip

	return p, nil
}

// limitFor returns the limit and window that apply to path.
func (p *policy) limitFor(path string) (int, time.Duration) {
	for _, r := range p.rules {
		if r.pattern.Match(path) {
			return r.limit, r.window
		}
	}
	return p.defaultLimit, p.defaultWindow
}

// Limiter applies fixed-window limits over a shared store.
type Limiter struct {
	store   store.Store
	logger  observability.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	policy *policy
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the limiter logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = metrics
	}
}

// NewLimiter creates a limiter from configuration.
func NewLimiter(s store.Store, cfg config.RateLimitConfig, opts ...Option) (*Limiter, error) {
	p, err := buildPolicy(cfg)
	if err != nil {
		return nil, err
	}

	l := &Limiter{
		store:  s,
		logger: observability.NopLogger(),
		policy: p,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Update swaps in new limits. Counters already in the store are kept.
func (l *Limiter) Update(cfg config.RateLimitConfig) error {
	p, err := buildPolicy(cfg)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.policy = p
	l.mu.Unlock()

	l.logger.Info("rate limit policy updated",
		observability.Int("rules", len(p.rules)),
		observability.Int("default_limit", p.defaultLimit),
	)
	return nil
}

func (l *Limiter) current() *policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policy
}

// Skip reports whether path is exempt from limiting.
func (l *Limiter) Skip(path string) bool {
	return l.current().skip.Match(path)
}

// CounterKey returns the store key for a dimension value.
func CounterKey(d Dimension, value string) string {
	return "ratelimit:" + string(d) + ":" + value + ":count"
}

func dimensionValue(d Dimension, clientIP, path string) string {
	switch d {
	case DimensionIP:
		return clientIP
	case DimensionPath:
		return path
	default:
		return clientIP + ":" + path
	}
}

// Check counts the request in every enabled dimension. The first dimension
// over its limit denies the request; otherwise the result with the fewest
// remaining requests is returned. Store failures allow the request.
func (l *Limiter) Check(ctx context.Context, clientIP, path string) *Result {
	p := l.current()
	limit, window := p.limitFor(path)

	best := &Result{
		Allowed:    true,
		Limit:      limit,
		Remaining:  limit,
		ResetAfter: window,
	}

	for _, d := range p.dimensions {
		key := CounterKey(d, dimensionValue(d, clientIP, path))

		count, ttl, err := l.store.IncrementWithExpiry(ctx, key, 1, window)
		if err != nil {
			l.logger.Warn("rate limit counter unavailable, allowing request",
				observability.String("key", key),
				observability.Error(err),
			)
			continue
		}

		remaining := limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		if ttl <= 0 {
			ttl = window
		}

		if count > int64(limit) {
			l.metrics.RecordRateLimitReject(string(d))
			l.logger.Debug("rate limit exceeded",
				observability.String("dimension", string(d)),
				observability.String("key", key),
				observability.Int("limit", limit),
			)
			return &Result{
				Allowed:    false,
				Dimension:  d,
				Limit:      limit,
				Remaining:  0,
				ResetAfter: ttl,
				RetryAfter: ttl,
			}
		}

		if remaining < best.Remaining {
			best.Remaining = remaining
			best.Dimension = d
			best.ResetAfter = ttl
		}
	}

	return best
}
