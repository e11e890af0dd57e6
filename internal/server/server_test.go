package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/openapigw/internal/config"
	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/route"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRoutes struct {
	mu         sync.Mutex
	refreshErr error
	refreshed  []string
	fulls      int
}

func (f *fakeRoutes) RefreshAll(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return 0, f.refreshErr
	}
	f.fulls++
	return 3, nil
}

func (f *fakeRoutes) RefreshRoute(_ context.Context, apiID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.refreshed = append(f.refreshed, apiID)
	return nil
}

func (f *fakeRoutes) Stats() route.Stats {
	return route.Stats{Size: 3, ExactHits: 7}
}

func (f *fakeRoutes) Len() int { return 3 }

func newTestServer(routes RouteAdmin, opts ...Option) *Server {
	cfg := config.DefaultConfig().Server
	cfg.Address = "127.0.0.1:0"
	fallback := func(c *gin.Context) {
		c.JSON(http.StatusNotFound, util.Envelope{Code: http.StatusNotFound, Message: "pipeline"})
	}
	base := []Option{
		WithRouteAdmin(routes),
		WithPipeline([]gin.HandlerFunc{fallback}),
		WithBuildInfo(BuildInfo{Name: "openapigw", Version: "1.2.3", Commit: "abc"}),
	}
	return New(cfg, append(base, opts...)...)
}

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// TestState_String tests state names.
func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}

// TestAdmin_Refresh tests the full and point refresh endpoints.
func TestAdmin_Refresh(t *testing.T) {
	t.Parallel()

	routes := &fakeRoutes{}
	s := newTestServer(routes)

	for _, path := range []string{PathGatewayRefresh, PathRefresh} {
		w := serve(s, http.MethodPost, path)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"code":200,"message":"success","data":{"routes":3}}`, w.Body.String())
	}
	assert.Equal(t, 2, routes.fulls)

	w := serve(s, http.MethodPost, PathRefreshOne+"?apiId=api-9")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"api-9"}, routes.refreshed)

	w = serve(s, http.MethodPost, PathRefreshOne)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "apiId is required", decode[util.Envelope](t, w).Message)

	w = serve(s, http.MethodGet, PathRefresh)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "pipeline", decode[util.Envelope](t, w).Message)
}

// TestAdmin_RefreshFailure tests that refresh errors become 500 envelopes.
func TestAdmin_RefreshFailure(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRoutes{refreshErr: errors.New("catalog down")})

	w := serve(s, http.MethodPost, PathRefresh)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "route refresh failed", decode[util.Envelope](t, w).Message)

	w = serve(s, http.MethodPost, PathRefreshOne+"?apiId=x")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// TestAdmin_Status tests the cache statistics endpoint.
func TestAdmin_Status(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRoutes{})
	w := serve(s, http.MethodGet, PathStatus)
	require.Equal(t, http.StatusOK, w.Code)

	var env struct {
		Code int         `json:"code"`
		Data route.Stats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, 200, env.Code)
	assert.Equal(t, 3, env.Data.Size)
	assert.Equal(t, uint64(7), env.Data.ExactHits)
}

// TestAdmin_Health tests aggregated dependency checks.
func TestAdmin_Health(t *testing.T) {
	t.Parallel()

	healthy := newTestServer(&fakeRoutes{},
		WithHealthCheck(NewHealthCheckFunc("store", func(context.Context) error { return nil })),
	)
	w := serve(healthy, http.MethodGet, PathHealth)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[HealthReport](t, w)
	assert.Equal(t, StatusUp, report.Status)
	assert.Equal(t, 3, report.RouteCount)
	assert.Equal(t, StatusUp, report.Checks["store"].Status)

	unhealthy := newTestServer(nil,
		WithHealthCheck(NewHealthCheckFunc("store", func(context.Context) error { return errors.New("connection refused") })),
	)
	w = serve(unhealthy, http.MethodGet, PathHealth)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	report = decode[HealthReport](t, w)
	assert.Equal(t, StatusDown, report.Status)
	assert.Equal(t, "connection refused", report.Checks["store"].Error)
	assert.Zero(t, report.RouteCount)

	w = serve(unhealthy, http.MethodPost, PathRefresh)
	assert.Equal(t, http.StatusNotFound, w.Code, "refresh endpoints need a route admin")
}

// TestAdmin_InfoAndMetrics tests build info and the metrics endpoint.
func TestAdmin_InfoAndMetrics(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics("srvtest")
	metrics.SetBuildInfo("1.2.3", "abc", "now")
	s := newTestServer(&fakeRoutes{}, WithMetrics(metrics, "/metrics"))

	w := serve(s, http.MethodGet, PathInfo)
	require.Equal(t, http.StatusOK, w.Code)
	var env struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "1.2.3", env.Data["version"])
	assert.Equal(t, "openapigw", env.Data["name"])
	assert.NotEmpty(t, env.Data["goVersion"])

	w = serve(s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "srvtest_build_info")
	assert.Contains(t, body, `srvtest_requests_total{kind="admin",method="GET",status="200"} 1`)
}

// TestServer_BodyLimit tests the configured request body ceiling.
func TestServer_BodyLimit(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig().Server
	cfg.MaxBodyBytes = 4
	s := New(cfg)

	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodPost, PathInfo, strings.NewReader("too large")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

// TestServer_StartStop tests the listener lifecycle.
func TestServer_StartStop(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRoutes{})
	assert.Equal(t, StateStopped, s.State())
	assert.Error(t, s.Stop(context.Background()))

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start(context.Background()))

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + s.Addr() + PathInfo)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(util.HeaderRequestID))
	client.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, StateStopped, s.State())

	_, err = client.Get("http://" + s.Addr() + PathInfo)
	assert.Error(t, err)
}

// TestServer_StartListenError tests that a bad address leaves the server stopped.
func TestServer_StartListenError(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig().Server
	cfg.Address = "256.0.0.1:bad"
	s := New(cfg)
	assert.Error(t, s.Start(context.Background()))
	assert.Equal(t, StateStopped, s.State())
}
