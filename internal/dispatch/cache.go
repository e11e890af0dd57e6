package dispatch

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/store"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

// ResponseCachePrefix prefixes every cached response key.
const ResponseCachePrefix = "api:response:cache:"

// DefaultResponseCacheTTL applies to routes without their own TTL.
const DefaultResponseCacheTTL = 60 * time.Second

// ResponseCacheKey is the store key for a route's response to rawQuery.
// Parameters are sorted by name, so their order in the request does not
// matter; the order of repeated values does. An unparsable query is hashed
// as is.
func ResponseCacheKey(apiID, rawQuery string) string {
	if values, err := url.ParseQuery(rawQuery); err == nil {
		rawQuery = values.Encode()
	}
	return ResponseCachePrefix + apiID + ":" + strconv.FormatUint(xxhash.Sum64String(rawQuery), 16)
}

// ResponseCache keeps backend bodies of cacheable GET routes in the store.
type ResponseCache struct {
	store      store.Store
	defaultTTL time.Duration
	logger     observability.Logger
	metrics    *observability.Metrics
}

// NewResponseCache creates a cache over s.
func NewResponseCache(
	s store.Store,
	defaultTTL time.Duration,
	logger observability.Logger,
	metrics *observability.Metrics,
) *ResponseCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultResponseCacheTTL
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &ResponseCache{store: s, defaultTTL: defaultTTL, logger: logger, metrics: metrics}
}

// Get returns the cached body. Store failures count as a miss.
func (c *ResponseCache) Get(ctx context.Context, apiID, rawQuery string) ([]byte, bool) {
	v, err := c.store.Get(ctx, ResponseCacheKey(apiID, rawQuery))
	if err != nil {
		if !store.IsNotFound(err) {
			c.logger.Warn("response cache read failed",
				observability.String("api_id", apiID),
				observability.Error(err),
			)
		}
		return nil, false
	}
	return []byte(v), true
}

// Put stores body for ttl, or the default TTL when ttl is not positive.
func (c *ResponseCache) Put(ctx context.Context, apiID, rawQuery string, body []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	return c.store.Set(ctx, ResponseCacheKey(apiID, rawQuery), string(body), ttl)
}

// StoreAsync writes body in the background.
func (c *ResponseCache) StoreAsync(apiID, rawQuery string, body []byte, ttl time.Duration) {
	util.Go(c.logger, c.metrics, "response_cache_write", 0, func(ctx context.Context) error {
		return c.Put(ctx, apiID, rawQuery, body, ttl)
	})
}
