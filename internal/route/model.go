package route

import (
	"fmt"
	"strings"
	"time"

	"github.com/vyrodovalexey/openapigw/internal/util"
)

// AuthType is the authentication scheme a route requires.
type AuthType string

// Supported authentication types.
const (
	AuthNone      AuthType = "none"
	AuthSignature AuthType = "signature"
)

// MethodAll matches every HTTP method.
const MethodAll = "ALL"

// Route describes one published open API.
type Route struct {
	APIID            string
	TenantID         string
	Name             string
	Path             string
	Method           string
	AuthType         AuthType
	Timeout          time.Duration
	MockEnabled      bool
	MockResponse     string
	CacheEnabled     bool
	CacheTTL         time.Duration
	RateLimitEnabled bool
	RateLimitQPS     int
	Backend          Backend
}

// Backend is the target of a route. It is implemented only by HTTPBackend
// and RPCBackend.
type Backend interface {
	Kind() string
	backend()
}

// HTTPBackend forwards to an HTTP service.
type HTTPBackend struct {
	Protocol string
	Host     string
	Path     string
	Method   string
}

// Kind implements Backend.
func (HTTPBackend) Kind() string { return "http" }
func (HTTPBackend) backend()     {}

// RPCBackend invokes a remote method generically.
type RPCBackend struct {
	Interface string
	Method    string
	Version   string
	Group     string
	Timeout   time.Duration
}

// Kind implements Backend.
func (RPCBackend) Kind() string { return "rpc" }
func (RPCBackend) backend()     {}

// HandleKey identifies the generic-service handle for this interface,
// version and group.
func (b RPCBackend) HandleKey() string {
	var sb strings.Builder
	sb.WriteString(b.Interface)
	if b.Version != "" {
		sb.WriteString(":")
		sb.WriteString(b.Version)
	}
	if b.Group != "" {
		sb.WriteString(":")
		sb.WriteString(b.Group)
	}
	return sb.String()
}

// CacheKey is the route cache key for a path and method.
func CacheKey(path, method string) string {
	return path + ":" + strings.ToUpper(method)
}

// Key returns the cache key of the route.
func (r *Route) Key() string {
	return CacheKey(r.Path, r.Method)
}

// MatchesMethod reports whether the route accepts method.
func (r *Route) MatchesMethod(method string) bool {
	return strings.EqualFold(r.Method, method) || strings.EqualFold(r.Method, MethodAll)
}

// RequiresSignature reports whether the route needs AppKey authentication.
func (r *Route) RequiresSignature() bool {
	return r.AuthType != AuthNone
}

// Validate checks that the route can be dispatched.
func (r *Route) Validate() error {
	if r.APIID == "" {
		return util.NewConfigurationError("route has no api id", nil)
	}
	if r.Path == "" || r.Path[0] != '/' {
		return util.NewConfigurationError(fmt.Sprintf("route %s has an invalid path %q", r.APIID, r.Path), nil)
	}

	switch b := r.Backend.(type) {
	case HTTPBackend:
		if b.Host == "" {
			return util.NewConfigurationError(fmt.Sprintf("route %s has no backend host", r.APIID), nil)
		}
	case RPCBackend:
		if b.Interface == "" || b.Method == "" {
			return util.NewConfigurationError(fmt.Sprintf("route %s has an incomplete rpc backend", r.APIID), nil)
		}
	case nil:
		return util.NewConfigurationError(fmt.Sprintf("route %s has no backend", r.APIID), nil)
	default:
		return util.NewConfigurationError(fmt.Sprintf("route %s has an unsupported backend", r.APIID), nil)
	}
	return nil
}
