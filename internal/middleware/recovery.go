package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

// Recovery returns a middleware that turns panics into a 500 envelope.
func Recovery(logger observability.Logger, metrics *observability.Metrics) gin.HandlerFunc {
	if logger == nil {
		logger = observability.L()
	}

	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				fields := []observability.Field{
					observability.Any("error", rec),
					observability.String("method", c.Request.Method),
					observability.String("path", c.Request.URL.Path),
					observability.String("stack", string(debug.Stack())),
				}
				if requestID := GetRequestID(c); requestID != "" {
					fields = append(fields, observability.String("request_id", requestID))
				}
				logger.Error("panic recovered", fields...)
				metrics.RecordBackgroundError("panic")

				observability.SpanFromContext(c.Request.Context()).RecordError(fmt.Errorf("panic: %v", rec))

				err := util.NewInternalError("internal server error", fmt.Errorf("panic: %v", rec))
				c.AbortWithStatusJSON(util.StatusFromError(err), util.ErrorEnvelope(err))
			}
		}()

		c.Next()
	}
}
