package dispatch

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/route"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

// Cache status values reported in X-Cache-Status.
const (
	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

// Request is the part of an inbound request dispatch needs. Body is the
// cached request body.
type Request struct {
	Route    *route.Route
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Query parses the raw query. Malformed pairs are skipped.
func (r *Request) Query() url.Values {
	q, _ := url.ParseQuery(r.RawQuery)
	return q
}

// Response is what the gateway writes back to the client.
type Response struct {
	Status      int
	Header      http.Header
	Body        []byte
	CacheStatus string
}

func jsonResponse(body []byte) *Response {
	h := make(http.Header)
	h.Set(util.HeaderContentType, util.ContentTypeJSON)
	return &Response{Status: http.StatusOK, Header: h, Body: body}
}

// Dispatcher routes a request to its mock body, the response cache or the
// backend.
type Dispatcher struct {
	forwarder *Forwarder
	invoker   *Invoker
	cache     *ResponseCache
	logger    observability.Logger
	metrics   *observability.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithResponseCache enables response caching for routes that ask for it.
func WithResponseCache(c *ResponseCache) Option {
	return func(d *Dispatcher) {
		d.cache = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// New creates a Dispatcher. invoker may be nil when no RPC routes are
// served.
func New(forwarder *Forwarder, invoker *Invoker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		forwarder: forwarder,
		invoker:   invoker,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch produces the response for req.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	rt := req.Route
	if rt == nil {
		return nil, util.NewConfigurationError("route is missing", nil)
	}

	if rt.MockEnabled && rt.MockResponse != "" {
		d.metrics.RecordDispatch("mock", "success", 0)
		return jsonResponse([]byte(rt.MockResponse)), nil
	}

	if err := rt.Validate(); err != nil {
		d.logger.Error("route cannot be dispatched",
			observability.String("api_id", rt.APIID),
			observability.Error(err),
		)
		return nil, err
	}

	ctx = observability.ContextWithTenant(ctx, "", rt.APIID)
	ctx, span := observability.StartSpan(ctx, "dispatch.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("api.id", rt.APIID),
		attribute.String("backend.kind", rt.Backend.Kind()),
	)

	start := time.Now()
	var (
		resp *Response
		err  error
	)
	switch b := rt.Backend.(type) {
	case route.HTTPBackend:
		resp, err = d.dispatchHTTP(ctx, req, b)
	case route.RPCBackend:
		if d.invoker == nil {
			err = util.NewConfigurationError("rpc dispatch is not configured", nil)
			break
		}
		resp, err = d.invoker.Invoke(ctx, req, b)
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
		observability.RecordError(span, err)
		d.logger.WithContext(ctx).Warn("dispatch failed",
			observability.String("backend", rt.Backend.Kind()),
			observability.Error(err),
		)
	}
	d.metrics.RecordDispatch(rt.Backend.Kind(), outcome, time.Since(start))
	return resp, err
}

func (d *Dispatcher) dispatchHTTP(ctx context.Context, req *Request, b route.HTTPBackend) (*Response, error) {
	rt := req.Route
	cacheable := d.cache != nil && rt.CacheEnabled && strings.EqualFold(req.Method, http.MethodGet)

	if cacheable {
		if body, ok := d.cache.Get(ctx, rt.APIID, req.RawQuery); ok {
			d.metrics.RecordResponseCache("hit")
			resp := jsonResponse(body)
			resp.CacheStatus = CacheHit
			return resp, nil
		}
		d.metrics.RecordResponseCache("miss")
	}

	resp, err := d.forwarder.Forward(ctx, req, b)
	if err != nil {
		return nil, err
	}

	if cacheable {
		d.cache.StoreAsync(rt.APIID, req.RawQuery, resp.Body, rt.CacheTTL)
		resp.CacheStatus = CacheMiss
	}
	return resp, nil
}
