// Package server runs the gateway's HTTP listener.
//
// The gin engine carries the ambient middleware, the admin and health
// endpoints, and the request pipeline as its fallback handler chain.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/openapigw/internal/config"
	"github.com/vyrodovalexey/openapigw/internal/middleware"
	"github.com/vyrodovalexey/openapigw/internal/observability"
)

// State represents the server state.
type State int32

const (
	// StateStopped indicates the server is stopped.
	StateStopped State = iota
	// StateStarting indicates the server is starting.
	StateStarting
	// StateRunning indicates the server is running.
	StateRunning
	// StateStopping indicates the server is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Server is the gateway HTTP server.
type Server struct {
	config    config.ServerConfig
	logger    observability.Logger
	metrics   *observability.Metrics
	engine    *gin.Engine
	server    *http.Server
	addr      atomic.Value
	state     atomic.Int32
	startTime time.Time
	mu        sync.RWMutex

	pipeline     []gin.HandlerFunc
	routes       RouteAdmin
	checks       []HealthCheck
	build        BuildInfo
	metricsPath  string
	tracingName  string
	adminTimeout time.Duration
	serveDone    chan struct{}
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics enables request metrics and serves them on path.
func WithMetrics(metrics *observability.Metrics, path string) Option {
	return func(s *Server) {
		s.metrics = metrics
		s.metricsPath = path
	}
}

// WithPipeline sets the handler chain for every request that no admin
// endpoint claims.
func WithPipeline(handlers []gin.HandlerFunc) Option {
	return func(s *Server) {
		s.pipeline = handlers
	}
}

// WithRouteAdmin enables the route refresh and status endpoints.
func WithRouteAdmin(routes RouteAdmin) Option {
	return func(s *Server) {
		s.routes = routes
	}
}

// WithHealthCheck adds a dependency check to the health endpoint.
func WithHealthCheck(check HealthCheck) Option {
	return func(s *Server) {
		s.checks = append(s.checks, check)
	}
}

// WithBuildInfo sets the version reported by /gateway-info.
func WithBuildInfo(info BuildInfo) Option {
	return func(s *Server) {
		s.build = info
	}
}

// WithTracing starts a server span per request under serviceName.
func WithTracing(serviceName string) Option {
	return func(s *Server) {
		s.tracingName = serviceName
	}
}

// WithAdminTimeout bounds admin refreshes and health checks.
func WithAdminTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.adminTimeout = d
		}
	}
}

// New creates a server and its engine.
func New(cfg config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		config:       cfg,
		logger:       observability.NopLogger(),
		adminTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(int32(StateStopped))
	s.engine = s.buildEngine()
	return s
}

func (s *Server) buildEngine() *gin.Engine {
	engine := gin.New()
	engine.HandleMethodNotAllowed = false

	engine.Use(
		middleware.Recovery(s.logger, s.metrics),
		middleware.RequestID(),
	)
	if s.tracingName != "" {
		engine.Use(middleware.Tracing(s.tracingName, s.metricsPath, PathHealth))
	}
	engine.Use(
		middleware.Metrics(s.metrics),
		middleware.BodyLimit(s.config.MaxBodyBytes, s.logger),
	)

	s.registerAdmin(engine)

	if len(s.pipeline) > 0 {
		engine.NoRoute(s.pipeline...)
	}
	return engine
}

// Engine returns the gin engine.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("server is not in stopped state")
	}

	addr := s.config.Address
	if addr == "" {
		addr = config.DefaultAddress
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.server = &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.config.ReadTimeout.Duration(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout.Duration(),
		IdleTimeout:       s.config.IdleTimeout.Duration(),
		MaxHeaderBytes:    1 << 20,
	}
	s.serveDone = make(chan struct{})
	s.startTime = time.Now()
	s.mu.Unlock()

	s.addr.Store(ln.Addr().String())
	s.state.Store(int32(StateRunning))

	s.logger.Info("server started", observability.String("address", ln.Addr().String()))

	go s.serve(ln)
	return nil
}

func (s *Server) serve(ln net.Listener) {
	defer close(s.serveDone)
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("server error", observability.Error(err))
	}
}

// Stop shuts the server down, waiting for in-flight requests until ctx
// expires or the configured shutdown timeout passes.
func (s *Server) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("server is not running")
	}
	defer s.state.Store(int32(StateStopped))

	s.logger.Info("stopping server")

	if _, ok := ctx.Deadline(); !ok {
		timeout := s.config.ShutdownTimeout.OrDefault(30 * time.Second)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s.mu.RLock()
	srv, done := s.server, s.serveDone
	s.mu.RUnlock()

	if err := srv.Shutdown(ctx); err != nil {
		if closeErr := srv.Close(); closeErr != nil {
			return fmt.Errorf("failed to close server: %w", closeErr)
		}
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}
	<-done

	s.logger.Info("server stopped")
	return nil
}

// State returns the current server state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.State() == StateRunning
}

// Addr returns the bound listener address once started.
func (s *Server) Addr() string {
	v, _ := s.addr.Load().(string)
	return v
}

// Uptime returns the time since Start.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}
