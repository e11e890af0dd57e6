package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

// BodyLimit rejects requests whose declared body exceeds maxSize with 413
// and caps reads of undeclared bodies. A non-positive maxSize disables it.
func BodyLimit(maxSize int64, logger observability.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = observability.L()
	}

	return func(c *gin.Context) {
		if maxSize <= 0 {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxSize {
			logger.Warn("request body too large",
				observability.Int64("content_length", c.Request.ContentLength),
				observability.Int64("max_size", maxSize),
				observability.String("path", c.Request.URL.Path),
			)
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, util.Envelope{
				Code:    http.StatusRequestEntityTooLarge,
				Message: "request body too large",
			})
			return
		}

		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}
