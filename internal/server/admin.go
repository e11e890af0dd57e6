package server

import (
	"context"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/openapigw/internal/middleware"
	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/route"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

// Admin endpoint paths.
const (
	PathGatewayRefresh = "/gateway/routes/refresh"
	PathRefresh        = "/open-api/refresh"
	PathRefreshOne     = "/open-api/refresh-one"
	PathStatus         = "/open-api/status"
	PathHealth         = "/actuator/gateway-health"
	PathInfo           = "/gateway-info"
)

// Health statuses.
const (
	StatusUp   = "UP"
	StatusDown = "DOWN"
)

// RouteAdmin is the route cache as seen by the admin endpoints.
type RouteAdmin interface {
	RefreshAll(ctx context.Context) (int, error)
	RefreshRoute(ctx context.Context, apiID string) error
	Stats() route.Stats
	Len() int
}

// HealthCheck defines the interface for health checks.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthCheckFunc is a function type that implements HealthCheck.
type HealthCheckFunc struct {
	name      string
	checkFunc func(ctx context.Context) error
}

// Name returns the name of the health check.
func (f *HealthCheckFunc) Name() string {
	return f.name
}

// Check performs the health check.
func (f *HealthCheckFunc) Check(ctx context.Context) error {
	return f.checkFunc(ctx)
}

// NewHealthCheckFunc creates a new health check function.
func NewHealthCheckFunc(name string, check func(ctx context.Context) error) *HealthCheckFunc {
	return &HealthCheckFunc{name: name, checkFunc: check}
}

// BuildInfo describes the running binary.
type BuildInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// CheckResult is the outcome of one health check.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthReport is the body of the health endpoint.
type HealthReport struct {
	Status     string                 `json:"status"`
	Checks     map[string]CheckResult `json:"checks"`
	RouteCount int                    `json:"routeCount"`
	Uptime     string                 `json:"uptime"`
	Timestamp  time.Time              `json:"timestamp"`
}

func adminKind(c *gin.Context) {
	middleware.SetRequestKind(c, middleware.KindAdmin)
	c.Next()
}

func (s *Server) registerAdmin(engine *gin.Engine) {
	admin := engine.Group("", adminKind)

	admin.GET(PathHealth, s.handleHealth)
	admin.GET(PathInfo, s.handleInfo)
	if s.metrics != nil && s.metricsPath != "" {
		admin.GET(s.metricsPath, gin.WrapH(s.metrics.Handler()))
	}

	if s.routes == nil {
		return
	}
	admin.POST(PathGatewayRefresh, s.handleRefreshAll)
	admin.POST(PathRefresh, s.handleRefreshAll)
	admin.POST(PathRefreshOne, s.handleRefreshOne)
	admin.GET(PathStatus, s.handleStatus)
}

func (s *Server) handleRefreshAll(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.adminTimeout)
	defer cancel()

	n, err := s.routes.RefreshAll(ctx)
	if err != nil {
		s.writeError(c, util.NewInternalError("route refresh failed", err))
		return
	}
	s.logger.Info("routes refreshed by admin request", observability.Int("routes", n))
	c.JSON(http.StatusOK, util.SuccessEnvelope(gin.H{"routes": n}))
}

func (s *Server) handleRefreshOne(c *gin.Context) {
	apiID := strings.TrimSpace(c.Query("apiId"))
	if apiID == "" {
		c.JSON(http.StatusBadRequest, util.Envelope{Code: http.StatusBadRequest, Message: "apiId is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.adminTimeout)
	defer cancel()

	if err := s.routes.RefreshRoute(ctx, apiID); err != nil {
		s.writeError(c, util.NewInternalError("route refresh failed", err))
		return
	}
	c.JSON(http.StatusOK, util.SuccessEnvelope(gin.H{"apiId": apiID}))
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, util.SuccessEnvelope(s.routes.Stats()))
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.adminTimeout)
	defer cancel()

	report := HealthReport{
		Status:    StatusUp,
		Checks:    make(map[string]CheckResult, len(s.checks)),
		Uptime:    s.Uptime().Round(time.Second).String(),
		Timestamp: time.Now(),
	}
	for _, check := range s.checks {
		if err := check.Check(ctx); err != nil {
			report.Status = StatusDown
			report.Checks[check.Name()] = CheckResult{Status: StatusDown, Error: err.Error()}
			continue
		}
		report.Checks[check.Name()] = CheckResult{Status: StatusUp}
	}
	if s.routes != nil {
		report.RouteCount = s.routes.Len()
	}

	status := http.StatusOK
	if report.Status != StatusUp {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, util.SuccessEnvelope(gin.H{
		"name":      s.build.Name,
		"version":   s.build.Version,
		"commit":    s.build.Commit,
		"buildTime": s.build.BuildTime,
		"goVersion": runtime.Version(),
		"uptime":    s.Uptime().Round(time.Second).String(),
	}))
}

func (s *Server) writeError(c *gin.Context, err error) {
	s.logger.Error("admin request failed",
		observability.String("path", c.Request.URL.Path),
		observability.Error(err),
	)
	c.JSON(util.StatusFromError(err), util.ErrorEnvelope(err))
}
