package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/vyrodovalexey/openapigw/internal/config"
	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/server"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// unavailable answers every remote lookup with 503.
func unavailable(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func testConfig(t *testing.T) *config.GatewayConfig {
	t.Helper()
	remote := unavailable(t)

	cfg := config.DefaultConfig()
	cfg.Server.Mode = gin.TestMode
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Redis.Enabled = false
	cfg.Remote.CatalogURL = remote
	cfg.Remote.TenantURL = remote
	cfg.Remote.RegistryURL = remote
	cfg.Remote.RetryAttempts = 0
	cfg.JWT.Secret = "test-secret"
	return cfg
}

func newTestApp(t *testing.T, cfg *config.GatewayConfig) *application {
	t.Helper()
	app, err := initApplication(context.Background(), cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { app.release(context.Background()) })
	return app
}

// TestLoadConfig tests file resolution and the default fallback.
func TestLoadConfig(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, path, err := loadConfig(defaultConfigFile)
	require.NoError(t, err)
	assert.Empty(t, path, "missing default file falls back to built-in defaults")
	assert.Equal(t, config.DefaultAddress, cfg.Server.Address)

	_, _, err = loadConfig("missing.yaml")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(defaultConfigFile, []byte("server:\n  address: \":9000\"\n"), 0o600))
	cfg, path, err = loadConfig(defaultConfigFile)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))
	assert.Equal(t, ":9000", cfg.Server.Address)
}

// TestApplyOverrides tests that flags override file settings.
func TestApplyOverrides(t *testing.T) {
	cfg := config.DefaultConfig()

	cmd := newCommand()
	cmd.Action = func(_ context.Context, c *cli.Command) error {
		applyOverrides(cfg, c)
		return nil
	}
	require.NoError(t, cmd.Run(context.Background(), []string{
		"openapigw", "--log-level", "debug", "--log-format", "console", "--address", ":7070",
	}))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, ":7070", cfg.Server.Address)
}

// TestInitApplication tests wiring on the in-process store.
func TestInitApplication(t *testing.T) {
	app := newTestApp(t, testConfig(t))

	assert.NotNil(t, app.limiter)
	assert.NotNil(t, app.reporter)
	assert.Nil(t, app.redisClient)
	assert.Nil(t, app.listener, "change events need redis")
	assert.Nil(t, app.retention, "retention needs redis")

	w := httptest.NewRecorder()
	app.server.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, server.PathHealth, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	app.server.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestInitApplication_Redis tests the Redis-only components.
func TestInitApplication_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Address = mr.Addr()

	app := newTestApp(t, cfg)
	assert.NotNil(t, app.redisClient)
	require.NotNil(t, app.listener)
	assert.NotNil(t, app.retention)
	assert.NotNil(t, app.credentials)
	assert.Equal(t, []string{config.DefaultRouteChangeChannel, config.DefaultAppChangeChannel}, app.listener.Channels())
}

// TestRemoteFetchTimeout tests the bound on a shared route lookup.
func TestRemoteFetchTimeout(t *testing.T) {
	rc := config.RemoteConfig{
		Timeout:       config.Duration(2 * time.Second),
		RetryAttempts: 3,
		RetryDelay:    config.Duration(time.Second),
	}
	assert.Equal(t, 18*time.Second, remoteFetchTimeout(rc))

	rc.RetryAttempts = 0
	assert.Equal(t, 6*time.Second, remoteFetchTimeout(rc))
}

// TestInitApplication_Errors tests that missing remote endpoints fail startup.
func TestInitApplication_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.GatewayConfig)
	}{
		{"no catalog", func(c *config.GatewayConfig) { c.Remote.CatalogURL = "" }},
		{"no tenant service", func(c *config.GatewayConfig) { c.Remote.TenantURL = "" }},
		{"no registry", func(c *config.GatewayConfig) { c.Remote.RegistryURL = "" }},
		{"bad refresh schedule", func(c *config.GatewayConfig) { c.Route.RefreshSchedule = "every so often" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := initApplication(context.Background(), cfg, observability.NopLogger())
			assert.Error(t, err)
		})
	}
}

// TestReload tests that hot sections reach the running components.
func TestReload(t *testing.T) {
	cfg := testConfig(t)
	app := newTestApp(t, cfg)

	next := testConfig(t)
	next.Remote = cfg.Remote
	next.Whitelist = append(next.Whitelist, "/custom/**")
	next.Dispatch.Services = map[string][]string{"orders": {"10.0.0.1:8080"}}
	next.RateLimit.DefaultLimit = 5

	app.overrides = func(c *config.GatewayConfig) { c.Logging.Level = "debug" }
	app.reload(cfg, next)

	assert.True(t, app.pipeline.Settings().IsWhitelisted("/custom/x"))
	assert.True(t, app.services.Known("orders"))
	assert.Equal(t, "debug", app.config.Logging.Level)
	assert.Same(t, next, app.config)
}
