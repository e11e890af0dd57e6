package dispatch

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/route"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

// Relay proxies requests matched by a static route. Unlike Forwarder it
// streams the backend response through unchanged, status included.
type Relay struct {
	services  *ServiceResolver
	transport http.RoundTripper
	timeout   time.Duration
	logger    observability.Logger
	metrics   *observability.Metrics
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayTimeout bounds each relayed call.
func WithRelayTimeout(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRelayLogger sets the logger.
func WithRelayLogger(logger observability.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRelayMetrics sets the metrics sink.
func WithRelayMetrics(metrics *observability.Metrics) RelayOption {
	return func(r *Relay) {
		r.metrics = metrics
	}
}

// NewRelay creates a Relay. services may be nil.
func NewRelay(services *ServiceResolver, opts ...RelayOption) *Relay {
	if services == nil {
		services = NewServiceResolver(nil)
	}
	r := &Relay{
		services:  services,
		transport: http.DefaultTransport,
		timeout:   DefaultTimeout,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Target returns the base URL of sr. A service missing from the service
// table is addressed by name over plain HTTP.
func (r *Relay) Target(sr route.StaticRoute) (*url.URL, error) {
	base := sr.URL
	if sr.Service != "" {
		base = "http://" + sr.Service
		if r.services.Known(sr.Service) {
			instance, err := r.services.Resolve(sr.Service)
			if err != nil {
				return nil, err
			}
			if strings.Contains(instance, "://") {
				base = instance
			} else {
				base = "http://" + instance
			}
		}
	}
	return url.Parse(strings.TrimSuffix(base, "/"))
}

// ServeHTTP relays req to the backend of sr and writes its response to w.
// Transport failures are answered with a 502 envelope.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request, sr route.StaticRoute) {
	start := time.Now()
	target, err := r.Target(sr)
	if err != nil {
		r.metrics.RecordDispatch("static", "error", time.Since(start))
		util.WriteError(w, util.NewUpstreamError("backend error: "+err.Error(), err))
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.timeout)
	defer cancel()
	req = req.WithContext(ctx)

	outcome := "success"
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = joinURLPath(target.Path, sr.Rewrite(pr.In.URL.Path))
			pr.Out.URL.RawPath = ""
			pr.Out.Header[util.HeaderForwardedFor] = pr.In.Header[util.HeaderForwardedFor]
			pr.SetXForwarded()
			observability.InjectTraceContext(pr.In.Context(), pr.Out)
		},
		Transport: r.transport,
		ErrorHandler: func(rw http.ResponseWriter, in *http.Request, err error) {
			outcome = "error"
			r.logger.WithContext(in.Context()).Warn("static relay failed",
				observability.String("prefix", sr.Prefix),
				observability.String("target", target.String()),
				observability.Error(err),
			)
			util.WriteError(rw, util.NewUpstreamError("backend error: "+err.Error(), err))
		},
	}
	proxy.ServeHTTP(w, req)
	r.metrics.RecordDispatch("static", outcome, time.Since(start))
}

func joinURLPath(base, path string) string {
	switch {
	case base == "" || base == "/":
		return path
	case path == "/":
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}
