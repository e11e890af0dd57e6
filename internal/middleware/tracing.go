package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/openapigw/internal/observability"
)

const defaultTracerName = "openapigw"

// Tracing starts a server span for every request outside skipPaths and
// exposes its identifiers to context-aware loggers.
func Tracing(serviceName string, skipPaths ...string) gin.HandlerFunc {
	if serviceName == "" {
		serviceName = defaultTracerName
	}
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		req := c.Request
		ctx := observability.ExtractTraceContext(req.Context(), req.Header)
		ctx, span := otel.Tracer(serviceName).Start(ctx, req.Method+" "+req.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.target", req.URL.Path),
				attribute.String("http.user_agent", req.UserAgent()),
			),
		)
		defer span.End()

		if requestID := GetRequestID(c); requestID != "" {
			span.SetAttributes(attribute.String("request.id", requestID))
		}

		c.Request = req.WithContext(observability.ContextWithSpan(ctx, span))
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, "status "+strconv.Itoa(status))
		}
	}
}
