package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/openapigw/internal/auth"
	"github.com/vyrodovalexey/openapigw/internal/auth/signature"
	"github.com/vyrodovalexey/openapigw/internal/calllog"
	"github.com/vyrodovalexey/openapigw/internal/config"
	"github.com/vyrodovalexey/openapigw/internal/dispatch"
	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/ratelimit"
	"github.com/vyrodovalexey/openapigw/internal/route"
)

// TenantChecker validates tenants.
type TenantChecker interface {
	IsValid(ctx context.Context, tenantID string) bool
}

// RouteResolver maps an open-API path and method to its route.
type RouteResolver interface {
	Resolve(ctx context.Context, path, method string) (*route.Route, error)
}

// TokenVerifier authenticates bearer tokens.
type TokenVerifier interface {
	VerifyHeader(ctx context.Context, header string) (*auth.UserContext, error)
}

// SignatureVerifier authenticates AppKey-signed requests.
type SignatureVerifier interface {
	Verify(ctx context.Context, req signature.Request) (*auth.AppCredential, error)
	ConsumeQuota(app *auth.AppCredential)
}

// RequestLimiter counts requests in fixed windows.
type RequestLimiter interface {
	Skip(path string) bool
	Check(ctx context.Context, clientIP, path string) *ratelimit.Result
}

// Dispatcher sends a request to its backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error)
}

// StaticRelay proxies non-open-API requests over static routes.
type StaticRelay interface {
	ServeHTTP(w http.ResponseWriter, req *http.Request, sr route.StaticRoute)
}

// CallReporter accepts call records without blocking.
type CallReporter interface {
	Submit(rec calllog.Record) bool
}

// Pipeline holds the collaborators of the filter chain. A nil collaborator
// disables the filter step that uses it; a nil resolver or dispatcher
// answers every open-API call with 404, and a nil relay answers every
// other path with 404.
type Pipeline struct {
	settings atomic.Pointer[Settings]

	tenants      TenantChecker
	resolver     RouteResolver
	bearer       TokenVerifier
	signer       SignatureVerifier
	limiter      RequestLimiter
	routeLimiter *ratelimit.RouteLimiter
	dispatcher   Dispatcher
	relay        StaticRelay
	reporter     CallReporter

	logger  observability.Logger
	metrics *observability.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTenants enables tenant validation.
func WithTenants(t TenantChecker) Option {
	return func(p *Pipeline) { p.tenants = t }
}

// WithResolver sets the route resolver.
func WithResolver(r RouteResolver) Option {
	return func(p *Pipeline) { p.resolver = r }
}

// WithBearer enables bearer authentication.
func WithBearer(v TokenVerifier) Option {
	return func(p *Pipeline) { p.bearer = v }
}

// WithSignature enables AppKey signature authentication.
func WithSignature(v SignatureVerifier) Option {
	return func(p *Pipeline) { p.signer = v }
}

// WithLimiter enables fixed-window rate limiting.
func WithLimiter(l RequestLimiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// WithRouteLimiter enables per-route QPS ceilings.
func WithRouteLimiter(l *ratelimit.RouteLimiter) Option {
	return func(p *Pipeline) { p.routeLimiter = l }
}

// WithDispatcher sets the backend dispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(p *Pipeline) { p.dispatcher = d }
}

// WithRelay enables static routes for non-open-API paths.
func WithRelay(r StaticRelay) Option {
	return func(p *Pipeline) { p.relay = r }
}

// WithCallReporter enables call-log reporting for open-API calls.
func WithCallReporter(r CallReporter) Option {
	return func(p *Pipeline) { p.reporter = r }
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = metrics }
}

// New creates a pipeline configured from cfg.
func New(cfg *config.GatewayConfig, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	settings, err := NewSettings(cfg)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{logger: observability.NopLogger()}
	p.settings.Store(settings)
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Reload swaps in the path classification of cfg. In-flight requests keep
// the settings they started with.
func (p *Pipeline) Reload(cfg *config.GatewayConfig) error {
	settings, err := NewSettings(cfg)
	if err != nil {
		return err
	}
	p.settings.Store(settings)
	p.logger.Info("pipeline settings reloaded", observability.Int("static_routes", settings.static.Len()))
	return nil
}

// Settings returns the current settings.
func (p *Pipeline) Settings() *Settings {
	return p.settings.Load()
}

// Filters returns the filter table in execution order.
func (p *Pipeline) Filters() []Filter {
	return []Filter{
		NewFilter(FilterPathSnapshot, OrderPathSnapshot, p.pathSnapshot),
		NewFilter(FilterAccessLog, OrderAccessLog, p.accessLog),
		NewFilter(FilterTenant, OrderTenant, p.tenant),
		NewFilter(FilterRouteMatch, OrderRouteMatch, p.routeMatch),
		NewFilter(FilterAuth, OrderAuth, p.authenticate),
		NewFilter(FilterRateLimit, OrderRateLimit, p.rateLimit),
		NewFilter(FilterBodyCache, OrderBodyCache, p.bodyCache),
		NewFilter(FilterDispatch, OrderDispatch, p.dispatch),
	}
}

// Handlers builds the validated handler chain.
func (p *Pipeline) Handlers() ([]gin.HandlerFunc, error) {
	return Build(p.Filters()...)
}
