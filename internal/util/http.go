package util

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// Header names shared by the pipeline and dispatch.
const (
	HeaderContentType   = "Content-Type"
	HeaderAuthorization = "Authorization"
	HeaderTenantID      = "X-Tenant-Id"
	HeaderAppKey        = "X-App-Key"
	HeaderAppID         = "X-App-Id"
	HeaderTimestamp     = "X-Timestamp"
	HeaderNonce         = "X-Nonce"
	HeaderSignature     = "X-Signature"
	HeaderUserID        = "X-User-Id"
	HeaderUsername      = "X-Username"
	HeaderUserRoles     = "X-User-Roles"
	HeaderForwardedFor  = "X-Forwarded-For"
	HeaderRealIP        = "X-Real-IP"
	HeaderRequestID     = "X-Request-ID"
	HeaderCacheStatus   = "X-Cache-Status"
	HeaderRetryAfter    = "Retry-After"
	HeaderRateLimit     = "X-RateLimit-Limit"
	HeaderRateRemaining = "X-RateLimit-Remaining"
	HeaderRateReset     = "X-RateLimit-Reset"

	ContentTypeJSON = "application/json; charset=utf-8"
)

// CodeSuccess is the envelope code for successful responses.
const CodeSuccess = 200

// Envelope is the body of every gateway-originated response.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// SuccessEnvelope wraps data in a success envelope.
func SuccessEnvelope(data any) Envelope {
	return Envelope{Code: CodeSuccess, Message: "success", Data: data}
}

// ErrorEnvelope renders err as an envelope. The message is the user-facing
// one; causes are only logged.
func ErrorEnvelope(err error) Envelope {
	ge := AsGatewayError(err)
	return Envelope{Code: ge.Status, Message: ge.Message}
}

// WriteError writes err as a JSON envelope with the mirrored status code.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFromError(err)
	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope(err))
}

// ClientIP extracts the client IP from the request: the first
// X-Forwarded-For entry, then X-Real-IP, then the connection address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get(HeaderForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get(HeaderRealIP)); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(r.RemoteAddr, "[]")
	}
	return host
}
