package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/route"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

// Forwarder defaults.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxResponseBytes = 32 << 20
)

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var errResponseTooLarge = errors.New("response body too large")

// Forwarder sends requests to HTTP backends.
type Forwarder struct {
	client           *http.Client
	services         *ServiceResolver
	defaultTimeout   time.Duration
	maxResponseBytes int64
	logger           observability.Logger
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithHTTPClient sets the client used for backend calls.
func WithHTTPClient(client *http.Client) ForwarderOption {
	return func(f *Forwarder) {
		if client != nil {
			f.client = client
		}
	}
}

// WithDefaultTimeout sets the timeout for routes without their own.
func WithDefaultTimeout(d time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if d > 0 {
			f.defaultTimeout = d
		}
	}
}

// WithMaxResponseBytes bounds backend response bodies.
func WithMaxResponseBytes(n int64) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.maxResponseBytes = n
		}
	}
}

// WithForwarderLogger sets the logger.
func WithForwarderLogger(logger observability.Logger) ForwarderOption {
	return func(f *Forwarder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewForwarder creates a Forwarder. services may be nil.
func NewForwarder(services *ServiceResolver, opts ...ForwarderOption) *Forwarder {
	if services == nil {
		services = NewServiceResolver(nil)
	}
	f := &Forwarder{
		client:           &http.Client{},
		services:         services,
		defaultTimeout:   DefaultTimeout,
		maxResponseBytes: DefaultMaxResponseBytes,
		logger:           observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Services returns the service resolver.
func (f *Forwarder) Services() *ServiceResolver {
	return f.services
}

// isServiceName reports whether host is a logical name rather than an
// address: it has no port and is not a dotted IPv4 literal.
func isServiceName(host string) bool {
	if host == "" || strings.Contains(host, ":") {
		return false
	}
	addr, err := netip.ParseAddr(host)
	return err != nil || !addr.Is4()
}

// TargetURL builds the backend URL for b, without the query.
func (f *Forwarder) TargetURL(b route.HTTPBackend) (string, error) {
	protocol := strings.ToLower(b.Protocol)
	if protocol == "" {
		protocol = "http"
	}

	base := protocol + "://" + b.Host
	if isServiceName(b.Host) && f.services.Known(b.Host) {
		instance, err := f.services.Resolve(b.Host)
		if err != nil {
			return "", err
		}
		if strings.Contains(instance, "://") {
			base = strings.TrimSuffix(instance, "/")
		} else {
			base = protocol + "://" + instance
		}
	}

	if b.Path == "" {
		return base, nil
	}
	if !strings.HasPrefix(b.Path, "/") {
		return base + "/" + b.Path, nil
	}
	return base + b.Path, nil
}

// Forward sends req to b and returns the body as a 200 JSON response.
// Transport failures and non-2xx statuses become 502 upstream errors.
func (f *Forwarder) Forward(ctx context.Context, req *Request, b route.HTTPBackend) (*Response, error) {
	target, err := f.TargetURL(b)
	if err != nil {
		return nil, util.NewUpstreamError("backend error: "+err.Error(), err)
	}
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}

	method := b.Method
	if method == "" {
		method = req.Method
	}
	method = strings.ToUpper(method)

	timeout := f.defaultTimeout
	if req.Route != nil && req.Route.Timeout > 0 {
		timeout = req.Route.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, util.NewConfigurationError(fmt.Sprintf("invalid backend url %q", target), err)
	}
	copyHeaders(out.Header, req.Header)
	observability.InjectTraceContext(ctx, out)

	f.logger.Debug("forwarding request",
		observability.String("method", method),
		observability.String("target", target),
	)

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, util.NewUpstreamError("backend error: "+err.Error(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseBytes+1))
	if err != nil {
		return nil, util.NewUpstreamError("backend error: "+err.Error(), err)
	}
	if int64(len(body)) > f.maxResponseBytes {
		return nil, util.NewUpstreamError("backend error: "+errResponseTooLarge.Error(), errResponseTooLarge)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, util.NewUpstreamError(
			fmt.Sprintf("backend error: status %d", resp.StatusCode),
			util.NewServerError(resp.StatusCode),
		)
	}
	return jsonResponse(body), nil
}

// copyHeaders copies src into dst, leaving out Host, hop-by-hop headers
// and anything named in Connection.
func copyHeaders(dst, src http.Header) {
	skip := make(map[string]struct{}, len(hopHeaders)+1)
	skip["Host"] = struct{}{}
	for _, h := range hopHeaders {
		skip[h] = struct{}{}
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				skip[http.CanonicalHeaderKey(name)] = struct{}{}
			}
		}
	}

	for k, vv := range src {
		if _, ok := skip[http.CanonicalHeaderKey(k)]; ok {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
