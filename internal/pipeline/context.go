package pipeline

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/openapigw/internal/auth"
	"github.com/vyrodovalexey/openapigw/internal/route"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

// Gin context keys set by the filters.
const (
	KeyOriginalPath  = "pipeline.originalPath"
	KeyOriginalQuery = "pipeline.originalQuery"
	KeyOpenAPI       = "pipeline.openAPI"
	KeyTenantID      = "pipeline.tenantID"
	KeyRoute         = "pipeline.route"
	KeyBody          = "pipeline.body"
	KeyError         = "pipeline.error"
)

// OriginalPath returns the path as received, before any rewrite.
func OriginalPath(c *gin.Context) string {
	if p := c.GetString(KeyOriginalPath); p != "" {
		return p
	}
	return c.Request.URL.Path
}

// OriginalQuery returns the raw query as received.
func OriginalQuery(c *gin.Context) string {
	if v, ok := c.Get(KeyOriginalQuery); ok {
		if q, ok := v.(string); ok {
			return q
		}
	}
	return c.Request.URL.RawQuery
}

// RouteFrom returns the route matched for the request, if any.
func RouteFrom(c *gin.Context) (*route.Route, bool) {
	v, ok := c.Get(KeyRoute)
	if !ok {
		return nil, false
	}
	rt, ok := v.(*route.Route)
	return rt, ok && rt != nil
}

// CachedBody returns the request body read by the body-cache filter.
func CachedBody(c *gin.Context) []byte {
	if v, ok := c.Get(KeyBody); ok {
		if b, ok := v.([]byte); ok {
			return b
		}
	}
	return nil
}

// tenantOf returns the tenant of the authenticated identity, falling back
// to the resolved tenant.
func tenantOf(c *gin.Context) string {
	if tenant, err := auth.TenantFromContext(c.Request.Context()); err == nil && tenant != "" {
		return tenant
	}
	return c.GetString(KeyTenantID)
}

// abort ends the request with the error envelope of err.
func abort(c *gin.Context, err error) {
	c.Set(KeyError, err)
	c.AbortWithStatusJSON(util.StatusFromError(err), util.ErrorEnvelope(err))
}

// errorMessage returns the user-facing message of the error that ended the
// request, if any.
func errorMessage(c *gin.Context) string {
	v, ok := c.Get(KeyError)
	if !ok {
		return ""
	}
	err, ok := v.(error)
	if !ok {
		return ""
	}
	var ge *util.GatewayError
	if errors.As(err, &ge) {
		return ge.Message
	}
	return err.Error()
}
