package route

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/pathmatch"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

// Cache defaults.
const (
	DefaultCacheSize    = 10000
	DefaultCacheTTL     = 10 * time.Minute
	DefaultFetchTimeout = 30 * time.Second
)

// Source is the remote route catalog. Absent routes are reported with an
// error wrapping util.ErrNotFound.
type Source interface {
	GetRouteByPath(ctx context.Context, path, method string) (*Route, error)
	MatchRouteByPath(ctx context.Context, path, method string) (*Route, error)
	GetRouteByAPIID(ctx context.Context, apiID string) (*Route, error)
	GetAllPublishedRoutes(ctx context.Context) ([]*Route, error)
}

// Stats is a snapshot of the resolver state.
type Stats struct {
	Size         int       `json:"size"`
	Indexed      int       `json:"indexed"`
	ExactHits    uint64    `json:"exactHits"`
	PatternHits  uint64    `json:"patternHits"`
	RemoteHits   uint64    `json:"remoteHits"`
	Misses       uint64    `json:"misses"`
	Refreshes    uint64    `json:"refreshes"`
	LastRefresh  time.Time `json:"lastRefresh"`
	CacheTTL     string    `json:"cacheTtl"`
	CacheMaxSize int       `json:"cacheMaxSize"`
}

type entry struct {
	route   *Route
	key     string
	pattern *pathmatch.Pattern
}

// Resolver maps a request path and method to a published route. Lookups
// try the exact key, then every cached template, then the remote catalog.
type Resolver struct {
	source  Source
	cache   *expirable.LRU[string, *entry]
	index   sync.Map // apiID -> cache key
	size    int
	ttl     time.Duration
	fetchTO time.Duration
	flight  singleflight.Group
	refresh sync.Mutex
	logger  observability.Logger
	metrics *observability.Metrics

	exactHits   atomic.Uint64
	patternHits atomic.Uint64
	remoteHits  atomic.Uint64
	misses      atomic.Uint64
	refreshes   atomic.Uint64
	lastRefresh atomic.Int64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCacheSize bounds the number of cached routes.
func WithCacheSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.size = n
		}
	}
}

// WithCacheTTL sets how long a cached route lives.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithFetchTimeout bounds a shared remote lookup. The lookup outlives the
// caller that started it, so it cannot use that caller's deadline.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.fetchTO = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = metrics
	}
}

// NewResolver creates a resolver backed by source.
func NewResolver(source Source, opts ...Option) *Resolver {
	r := &Resolver{
		source:  source,
		size:    DefaultCacheSize,
		ttl:     DefaultCacheTTL,
		fetchTO: DefaultFetchTimeout,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = expirable.NewLRU[string, *entry](r.size, r.onEvict, r.ttl)
	return r
}

// onEvict keeps the apiId index consistent with the cache. It runs under
// the cache lock and must not call back into the cache.
func (r *Resolver) onEvict(key string, e *entry) {
	if e != nil && e.route != nil {
		r.index.CompareAndDelete(e.route.APIID, key)
	}
}

// Resolve returns the route for path and method or a RouteNotFoundError.
// Remote failures are logged and reported as not found.
func (r *Resolver) Resolve(ctx context.Context, path, method string) (*Route, error) {
	method = strings.ToUpper(method)

	if e, ok := r.exact(path, method); ok {
		r.exactHits.Add(1)
		r.metrics.RecordRouteCacheEvent("exact_hit")
		return e.route, nil
	}

	if e, ok := r.bestPattern(path, method); ok {
		r.patternHits.Add(1)
		r.metrics.RecordRouteCacheEvent("pattern_hit")
		return e.route, nil
	}

	rt, err := r.fetch(ctx, path, method)
	if err != nil {
		if !errors.Is(err, util.ErrNotFound) {
			r.logger.Warn("remote route lookup failed",
				observability.String("path", path),
				observability.String("method", method),
				observability.Error(err),
			)
		}
		r.misses.Add(1)
		r.metrics.RecordRouteCacheEvent("miss")
		return nil, util.NewRouteNotFoundError(method, path)
	}

	r.remoteHits.Add(1)
	r.metrics.RecordRouteCacheEvent("remote_hit")
	return rt, nil
}

func (r *Resolver) exact(path, method string) (*entry, bool) {
	if e, ok := r.cache.Get(CacheKey(path, method)); ok {
		return e, true
	}
	if method != MethodAll {
		if e, ok := r.cache.Get(CacheKey(path, MethodAll)); ok {
			return e, true
		}
	}
	return nil, false
}

// bestPattern scans cached templates. Among matches the most specific
// wins: most literal characters, then fewest variables, then the
// lexically smallest key.
func (r *Resolver) bestPattern(path, method string) (*entry, bool) {
	var best *entry
	for _, e := range r.cache.Values() {
		if e.pattern == nil || !e.route.MatchesMethod(method) || !e.pattern.Match(path) {
			continue
		}
		if best == nil || moreSpecific(e, best) {
			best = e
		}
	}
	return best, best != nil
}

func moreSpecific(a, b *entry) bool {
	if la, lb := a.pattern.LiteralChars(), b.pattern.LiteralChars(); la != lb {
		return la > lb
	}
	if va, vb := a.pattern.Variables(), b.pattern.Variables(); va != vb {
		return va < vb
	}
	return a.key < b.key
}

// fetch asks the catalog for an exact route, then for a pattern match,
// and caches the result. Concurrent misses for one key share a request,
// which runs detached from any single caller's cancellation.
func (r *Resolver) fetch(ctx context.Context, path, method string) (*Route, error) {
	ch := r.flight.DoChan(CacheKey(path, method), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTO)
		defer cancel()

		rt, err := r.source.GetRouteByPath(fctx, path, method)
		if errors.Is(err, util.ErrNotFound) {
			rt, err = r.source.MatchRouteByPath(fctx, path, method)
		}
		if err != nil {
			return nil, err
		}
		if rt == nil {
			return nil, fmt.Errorf("route %s %s: %w", method, path, util.ErrNotFound)
		}
		r.put(rt)
		return rt, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Route), nil
	}
}

// put caches rt under its own key and indexes it by API id.
func (r *Resolver) put(rt *Route) {
	e := &entry{route: rt, key: rt.Key()}
	if strings.ContainsAny(rt.Path, "{*") {
		p, err := pathmatch.Compile(rt.Path)
		if err != nil {
			r.logger.Warn("route template is invalid, exact matching only",
				observability.String("api_id", rt.APIID),
				observability.String("path", rt.Path),
				observability.Error(err),
			)
		} else {
			e.pattern = p
		}
	}

	if old, ok := r.index.Load(rt.APIID); ok && old.(string) != e.key {
		r.cache.Remove(old.(string))
	}
	r.cache.Add(e.key, e)
	if rt.APIID != "" {
		r.index.Store(rt.APIID, e.key)
	}
	r.metrics.SetRouteCacheSize(r.cache.Len())
}

// RefreshAll replaces the cache with every published route. On failure
// the current cache is kept.
func (r *Resolver) RefreshAll(ctx context.Context) (int, error) {
	r.refresh.Lock()
	defer r.refresh.Unlock()

	ctx, span := observability.StartSpan(ctx, "route.RefreshAll")
	defer span.End()

	routes, err := r.source.GetAllPublishedRoutes(ctx)
	if err != nil {
		span.RecordError(err)
		r.logger.Error("route refresh failed, keeping cached routes", observability.Error(err))
		return 0, fmt.Errorf("failed to load published routes: %w", err)
	}

	r.cache.Purge()
	r.index.Range(func(k, _ any) bool {
		r.index.Delete(k)
		return true
	})
	for _, rt := range routes {
		if rt == nil {
			continue
		}
		r.put(rt)
	}

	r.refreshes.Add(1)
	r.lastRefresh.Store(time.Now().UnixNano())
	r.metrics.RecordRouteCacheEvent("refresh")
	r.metrics.SetRouteCacheSize(r.cache.Len())
	r.logger.Info("route cache refreshed", observability.Int("routes", r.cache.Len()))
	return r.cache.Len(), nil
}

// RefreshRoute reloads one route by API id. A route that is no longer
// published is removed.
func (r *Resolver) RefreshRoute(ctx context.Context, apiID string) error {
	rt, err := r.source.GetRouteByAPIID(ctx, apiID)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			r.Invalidate(apiID)
			return nil
		}
		return fmt.Errorf("failed to reload route %s: %w", apiID, err)
	}
	r.put(rt)
	r.logger.Debug("route reloaded",
		observability.String("api_id", apiID),
		observability.String("key", rt.Key()),
	)
	return nil
}

// Invalidate removes the route with apiID and reports whether it was cached.
func (r *Resolver) Invalidate(apiID string) bool {
	v, ok := r.index.LoadAndDelete(apiID)
	if !ok {
		return false
	}
	removed := r.cache.Remove(v.(string))
	r.metrics.RecordRouteCacheEvent("invalidate")
	r.metrics.SetRouteCacheSize(r.cache.Len())
	return removed
}

// RemoveRoute removes the route cached under path and method.
func (r *Resolver) RemoveRoute(path, method string) bool {
	removed := r.cache.Remove(CacheKey(path, method))
	if removed {
		r.metrics.RecordRouteCacheEvent("invalidate")
		r.metrics.SetRouteCacheSize(r.cache.Len())
	}
	return removed
}

// Len returns the number of cached routes.
func (r *Resolver) Len() int {
	return r.cache.Len()
}

// Stats returns a snapshot of counters and cache size.
func (r *Resolver) Stats() Stats {
	indexed := 0
	r.index.Range(func(_, _ any) bool {
		indexed++
		return true
	})

	s := Stats{
		Size:         r.cache.Len(),
		Indexed:      indexed,
		ExactHits:    r.exactHits.Load(),
		PatternHits:  r.patternHits.Load(),
		RemoteHits:   r.remoteHits.Load(),
		Misses:       r.misses.Load(),
		Refreshes:    r.refreshes.Load(),
		CacheTTL:     r.ttl.String(),
		CacheMaxSize: r.size,
	}
	if ns := r.lastRefresh.Load(); ns > 0 {
		s.LastRefresh = time.Unix(0, ns)
	}
	return s
}
