package util

import (
	"errors"
	"fmt"
	"net/http"
)

// Common sentinel errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrTimeout         = errors.New("timeout")
	ErrCircuitOpen     = errors.New("circuit breaker open")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrBackendUnavail  = errors.New("backend unavailable")
	ErrConfigInvalid   = errors.New("invalid configuration")
	ErrDuplicateNonce  = errors.New("duplicate request")
	ErrQuotaExhausted  = errors.New("quota exhausted")
	ErrNotSubscribed   = errors.New("api not subscribed")
	ErrIPNotAllowed    = errors.New("ip not whitelisted")
	ErrInvalidTenant   = errors.New("invalid tenant")
	ErrTokenExpired    = errors.New("token expired")
	ErrTokenInvalid    = errors.New("invalid token")
	ErrSignatureFailed = errors.New("invalid signature")
)

// Kind classifies gateway errors by the response they produce.
type Kind int

// Error kinds.
const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindRateLimit
	KindRouteNotFound
	KindUpstream
	KindConfiguration
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindRateLimit:
		return "rate_limit"
	case KindRouteNotFound:
		return "route_not_found"
	case KindUpstream:
		return "upstream"
	case KindConfiguration:
		return "configuration"
	default:
		return "internal"
	}
}

// GatewayError is the common shape of every error written to a client.
type GatewayError struct {
	Kind    Kind
	Status  int
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Is matches another GatewayError of the same kind or the wrapped cause.
func (e *GatewayError) Is(target error) bool {
	var t *GatewayError
	if errors.As(target, &t) {
		return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
	}
	return errors.Is(e.Cause, target)
}

func newGatewayError(kind Kind, status int, message string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Status: status, Message: message, Cause: cause}
}

// NewAuthenticationError is a 401: missing, invalid or expired credential.
func NewAuthenticationError(message string, cause error) *GatewayError {
	return newGatewayError(KindAuthentication, http.StatusUnauthorized, message, cause)
}

// NewAuthorizationError is a 403: disabled app, IP, quota, subscription or tenant.
func NewAuthorizationError(message string, cause error) *GatewayError {
	return newGatewayError(KindAuthorization, http.StatusForbidden, message, cause)
}

// NewRateLimitError is a 429.
func NewRateLimitError(message string) *GatewayError {
	return newGatewayError(KindRateLimit, http.StatusTooManyRequests, message, ErrRateLimited)
}

// NewRouteNotFoundError is a 404 for a method and path with no published route.
func NewRouteNotFoundError(method, path string) *GatewayError {
	return newGatewayError(KindRouteNotFound, http.StatusNotFound,
		fmt.Sprintf("api not found: %s %s", method, path), ErrNotFound)
}

// NewUpstreamError is a 502 for backend non-2xx responses and transport failures.
func NewUpstreamError(message string, cause error) *GatewayError {
	return newGatewayError(KindUpstream, http.StatusBadGateway, message, cause)
}

// NewRPCError is an upstream error surfaced as 500, used for RPC invocation failures.
func NewRPCError(message string, cause error) *GatewayError {
	return newGatewayError(KindUpstream, http.StatusInternalServerError, message, cause)
}

// NewConfigurationError is a 500 for missing or malformed route descriptors.
func NewConfigurationError(message string, cause error) *GatewayError {
	if cause == nil {
		cause = ErrConfigInvalid
	}
	return newGatewayError(KindConfiguration, http.StatusInternalServerError, message, cause)
}

// NewInternalError is a 500 for store and other infrastructure failures.
func NewInternalError(message string, cause error) *GatewayError {
	return newGatewayError(KindInternal, http.StatusInternalServerError, message, cause)
}

// AsGatewayError converts any error to a GatewayError, defaulting to internal.
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return NewInternalError("internal server error", err)
}

// StatusFromError returns the HTTP status for err.
func StatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return AsGatewayError(err).Status
}

// IsKind reports whether err is a GatewayError of kind k.
func IsKind(err error, k Kind) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Kind == k
}

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// ServerError signals that a remote service returned a 5xx status code.
// Circuit breakers count it as a failure.
type ServerError struct {
	StatusCode int
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: status %d", e.StatusCode)
}

// NewServerError creates a new ServerError with the given status code.
func NewServerError(statusCode int) *ServerError {
	return &ServerError{StatusCode: statusCode}
}
