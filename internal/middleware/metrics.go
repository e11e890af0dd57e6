package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/openapigw/internal/observability"
)

// RequestKindKey is the gin context key holding the request kind label.
const RequestKindKey = "requestKind"

// Request kinds.
const (
	KindOpenAPI  = "open_api"
	KindInternal = "internal"
	KindAdmin    = "admin"
)

// SetRequestKind labels the request for metrics.
func SetRequestKind(c *gin.Context, kind string) {
	c.Set(RequestKindKey, kind)
}

// Metrics returns a middleware that records request counts and latency.
// Unlabelled requests count as internal.
func Metrics(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		kind := c.GetString(RequestKindKey)
		if kind == "" {
			kind = KindInternal
		}
		metrics.RecordRequest(c.Request.Method, kind, c.Writer.Status(), time.Since(start))
	}
}
