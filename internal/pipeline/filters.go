package pipeline

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/openapigw/internal/auth"
	"github.com/vyrodovalexey/openapigw/internal/auth/signature"
	"github.com/vyrodovalexey/openapigw/internal/calllog"
	"github.com/vyrodovalexey/openapigw/internal/dispatch"
	"github.com/vyrodovalexey/openapigw/internal/middleware"
	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

// Messages of errors raised by the filters themselves.
const (
	MsgInvalidTenant  = "invalid tenant"
	MsgRateLimited    = "too many requests, please try again later"
	MsgRouteRateLimit = "api rate limit exceeded"
	MsgBodyTooLarge   = "request body too large"
	MsgBodyUnreadable = "failed to read request body"
)

// identityHeaders are set only by the gateway; inbound values are dropped.
var identityHeaders = []string{
	util.HeaderUserID,
	util.HeaderUsername,
	util.HeaderUserRoles,
	util.HeaderAppID,
}

func (p *Pipeline) pathSnapshot(c *gin.Context) {
	c.Set(KeyOriginalPath, c.Request.URL.Path)
	c.Set(KeyOriginalQuery, c.Request.URL.RawQuery)
	c.Next()
}

func (p *Pipeline) accessLog(c *gin.Context) {
	start := time.Now()
	path := OriginalPath(c)
	clientIP := util.ClientIP(c.Request)

	c.Next()

	status := c.Writer.Status()
	latency := time.Since(start)

	fields := []observability.Field{
		observability.String("request_id", middleware.GetRequestID(c)),
		observability.String("method", c.Request.Method),
		observability.String("path", path),
		observability.String("query", OriginalQuery(c)),
		observability.String("client_ip", clientIP),
		observability.Int("status", status),
		observability.Duration("latency", latency),
	}
	if rt, ok := RouteFrom(c); ok {
		fields = append(fields, observability.String("api_id", rt.APIID))
	}
	switch {
	case status >= http.StatusInternalServerError:
		p.logger.Error("request completed", fields...)
	case status >= http.StatusBadRequest:
		p.logger.Warn("request completed", fields...)
	default:
		p.logger.Info("request completed", fields...)
	}

	if p.reporter == nil || !c.GetBool(KeyOpenAPI) {
		return
	}

	rec := calllog.Record{
		RequestID:    middleware.GetRequestID(c),
		TenantID:     tenantOf(c),
		APIPath:      path,
		APIMethod:    c.Request.Method,
		ClientIP:     clientIP,
		StatusCode:   status,
		Latency:      latency.Milliseconds(),
		ErrorMessage: errorMessage(c),
		UserAgent:    c.Request.UserAgent(),
		RequestTime:  start,
	}
	if rt, ok := RouteFrom(c); ok {
		rec.APIID = rt.APIID
	}
	if app, ok := auth.AppFromContext(c.Request.Context()); ok {
		rec.AppID = app.AppID
		rec.AppKey = app.AppKey
	}
	p.reporter.Submit(calllog.NewRecord(rec))
}

func (p *Pipeline) tenant(c *gin.Context) {
	settings := p.Settings()
	path := OriginalPath(c)
	if p.tenants == nil || settings.IsWhitelisted(path) {
		c.Next()
		return
	}

	tenantID := strings.TrimSpace(c.GetHeader(util.HeaderTenantID))
	if tenantID == "" {
		tenantID = settings.DefaultTenant()
	}

	if !p.tenants.IsValid(c.Request.Context(), tenantID) {
		p.metrics.RecordAuthFailure("tenant", "invalid_tenant")
		p.logger.Warn("invalid tenant",
			observability.String("tenant_id", tenantID),
			observability.String("path", path),
		)
		abort(c, util.NewAuthorizationError(MsgInvalidTenant, util.ErrInvalidTenant))
		return
	}

	c.Set(KeyTenantID, tenantID)
	c.Request.Header.Set(util.HeaderTenantID, tenantID)
	c.Request = c.Request.WithContext(observability.ContextWithTenant(c.Request.Context(), tenantID, ""))
	c.Next()
}

func (p *Pipeline) routeMatch(c *gin.Context) {
	path := OriginalPath(c)
	if !p.Settings().IsOpenAPI(path) {
		c.Next()
		return
	}

	c.Set(KeyOpenAPI, true)
	middleware.SetRequestKind(c, middleware.KindOpenAPI)

	if p.resolver == nil {
		abort(c, util.NewRouteNotFoundError(c.Request.Method, path))
		return
	}

	rt, err := p.resolver.Resolve(c.Request.Context(), path, c.Request.Method)
	if err != nil {
		abort(c, err)
		return
	}

	c.Set(KeyRoute, rt)
	c.Next()
}

func (p *Pipeline) authenticate(c *gin.Context) {
	for _, h := range identityHeaders {
		c.Request.Header.Del(h)
	}

	path := OriginalPath(c)
	settings := p.Settings()

	if rt, ok := RouteFrom(c); ok {
		if p.signer == nil || !rt.RequiresSignature() || !settings.SignatureApplies(path) {
			c.Next()
			return
		}
		p.verifySignature(c, path, rt.APIID)
		return
	}

	if c.GetBool(KeyOpenAPI) || p.bearer == nil || settings.IsWhitelisted(path) {
		c.Next()
		return
	}
	p.verifyBearer(c)
}

func (p *Pipeline) verifySignature(c *gin.Context, path, apiID string) {
	app, err := p.signer.Verify(c.Request.Context(), signature.RequestFromHTTP(c.Request, path, apiID))
	if err != nil {
		abort(c, err)
		return
	}

	h := c.Request.Header
	h.Set(util.HeaderAppID, app.AppID)
	h.Set(util.HeaderAppKey, app.AppKey)
	if app.TenantID != "" {
		h.Set(util.HeaderTenantID, app.TenantID)
	}
	c.Request = c.Request.WithContext(auth.WithAppCredential(c.Request.Context(), app))
	p.signer.ConsumeQuota(app)
	c.Next()
}

func (p *Pipeline) verifyBearer(c *gin.Context) {
	user, err := p.bearer.VerifyHeader(c.Request.Context(), c.GetHeader(util.HeaderAuthorization))
	if err != nil {
		abort(c, err)
		return
	}

	h := c.Request.Header
	h.Set(util.HeaderUserID, user.UserID)
	h.Set(util.HeaderUsername, user.Username)
	h.Set(util.HeaderTenantID, user.TenantID)
	h.Set(util.HeaderUserRoles, user.RolesHeader())
	c.Request = c.Request.WithContext(auth.WithUserContext(c.Request.Context(), user))
	c.Next()
}

func (p *Pipeline) rateLimit(c *gin.Context) {
	path := OriginalPath(c)

	if p.limiter != nil && !p.limiter.Skip(path) {
		res := p.limiter.Check(c.Request.Context(), util.ClientIP(c.Request), path)
		c.Header(util.HeaderRateLimit, strconv.Itoa(res.Limit))
		c.Header(util.HeaderRateRemaining, strconv.Itoa(res.Remaining))
		c.Header(util.HeaderRateReset, strconv.FormatInt(time.Now().Add(res.ResetAfter).Unix(), 10))
		if !res.Allowed {
			c.Header(util.HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
			abort(c, util.NewRateLimitError(MsgRateLimited))
			return
		}
	}

	if rt, ok := RouteFrom(c); ok && p.routeLimiter != nil && rt.RateLimitEnabled {
		if !p.routeLimiter.Allow(rt.APIID, rt.RateLimitQPS) {
			p.metrics.RecordRateLimitReject("route")
			c.Header(util.HeaderRetryAfter, "1")
			abort(c, util.NewRateLimitError(MsgRouteRateLimit))
			return
		}
	}

	c.Next()
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func (p *Pipeline) bodyCache(c *gin.Context) {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		c.Next()
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	_ = c.Request.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.Set(KeyError, errors.New(MsgBodyTooLarge))
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, util.Envelope{
				Code:    http.StatusRequestEntityTooLarge,
				Message: MsgBodyTooLarge,
			})
			return
		}
		c.Set(KeyError, errors.New(MsgBodyUnreadable))
		c.AbortWithStatusJSON(http.StatusBadRequest, util.Envelope{
			Code:    http.StatusBadRequest,
			Message: MsgBodyUnreadable,
		})
		return
	}

	c.Set(KeyBody, body)
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	c.Next()
}

func (p *Pipeline) dispatch(c *gin.Context) {
	rt, ok := RouteFrom(c)
	if !ok && !c.GetBool(KeyOpenAPI) && p.relay != nil {
		if sr, found := p.Settings().StaticRoute(OriginalPath(c)); found {
			p.relay.ServeHTTP(c.Writer, c.Request, sr)
			return
		}
	}
	if !ok || p.dispatcher == nil {
		abort(c, util.NewRouteNotFoundError(c.Request.Method, OriginalPath(c)))
		return
	}

	resp, err := p.dispatcher.Dispatch(c.Request.Context(), &dispatch.Request{
		Route:    rt,
		Method:   c.Request.Method,
		Path:     OriginalPath(c),
		RawQuery: OriginalQuery(c),
		Header:   c.Request.Header.Clone(),
		Body:     CachedBody(c),
	})
	if err != nil {
		abort(c, err)
		return
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	if resp.CacheStatus != "" {
		c.Header(util.HeaderCacheStatus, resp.CacheStatus)
	}

	contentType := resp.Header.Get(util.HeaderContentType)
	if contentType == "" {
		contentType = util.ContentTypeJSON
	}
	c.Data(resp.Status, contentType, resp.Body)
}
