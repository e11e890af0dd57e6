package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *GatewayConfig {
	cfg := DefaultConfig()
	cfg.JWT.Secret = "test-secret"
	return cfg
}

// TestDefaultConfig tests that defaults match the documented values.
func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.Equal(t, DefaultTenantID, cfg.Tenant.DefaultTenant)
	assert.Equal(t, 300*time.Second, cfg.AppKey.TimestampTolerance.Duration())
	assert.Equal(t, 300*time.Second, cfg.AppKey.EffectiveNonceTTL())
	assert.Equal(t, 100, cfg.RateLimit.DefaultLimit)
	assert.Equal(t, time.Minute, cfg.RateLimit.DefaultWindow.Duration())
	assert.Equal(t, 10000, cfg.Route.CacheSize)
	assert.Equal(t, 10*time.Minute, cfg.Route.CacheTTL.Duration())
	assert.Equal(t, 5*time.Second, cfg.Dispatch.RPC.DefaultTimeout.Duration())
	assert.Equal(t, []string{"/open/", "/external/"}, cfg.Route.OpenAPIPrefixes)
	assert.Contains(t, cfg.Whitelist, "/open/**")

	// Whitelist is a copy.
	cfg.Whitelist[0] = "/changed"
	assert.NotEqual(t, "/changed", DefaultWhitelist[0])
}

// TestLoadConfigFromReader tests that YAML overrides defaults field by field.
func TestLoadConfigFromReader(t *testing.T) {
	t.Setenv("GW_JWT_SECRET", "from-env")

	yaml := `
server:
  address: ":9090"
jwt:
  secret: ${GW_JWT_SECRET}
  issuer: ${GW_ISSUER:-openapigw}
appKey:
  timestampTolerance: 120
  nonceTTL: 90s
rateLimit:
  rules:
    - pattern: /open/heavy/**
      limit: 5
      window: 10s
remote:
  catalogURL: http://catalog.local
note: ignored
`
	_, err := LoadConfigFromReader(strings.NewReader(yaml))
	require.Error(t, err, "unknown keys are rejected")

	yaml = strings.Replace(yaml, "note: ignored\n", "", 1)
	cfg, err := LoadConfigFromReader(strings.NewReader(yaml))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, "openapigw", cfg.JWT.Issuer)
	assert.Equal(t, 120*time.Second, cfg.AppKey.TimestampTolerance.Duration())
	assert.Equal(t, 90*time.Second, cfg.AppKey.EffectiveNonceTTL())
	require.Len(t, cfg.RateLimit.Rules, 1)
	assert.Equal(t, 5, cfg.RateLimit.Rules[0].Limit)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Rules[0].Window.Duration())

	// Untouched sections keep defaults.
	assert.Equal(t, DefaultTenantID, cfg.Tenant.DefaultTenant)
	assert.Equal(t, 100, cfg.RateLimit.DefaultLimit)
	assert.NoError(t, ValidateConfig(cfg))
}

// TestLoadConfigEmpty tests that an empty document yields the defaults.
func TestLoadConfigEmpty(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

// TestSubstituteEnvVars tests escaping and defaults.
func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("GW_SET", "value")

	assert.Equal(t, "value", substituteEnvVars("${GW_SET}"))
	assert.Equal(t, "fallback", substituteEnvVars("${GW_UNSET_XYZ:-fallback}"))
	assert.Equal(t, "", substituteEnvVars("${GW_UNSET_XYZ}"))
	assert.Equal(t, "${GW_SET}", substituteEnvVars("$${GW_SET}"))
	assert.Equal(t, "cost: $5", substituteEnvVars("cost: $$5"))
}

// TestDurationParsing tests duration strings and bare seconds.
func TestDurationParsing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"300s", 300 * time.Second, false},
		{"5000ms", 5 * time.Second, false},
		{"60", time.Minute, false},
		{"", 0, false},
		{"null", 0, false},
		{"soon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalJSON([]byte(`"` + tt.in + `"`))
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration())
		})
	}

	assert.Equal(t, 3*time.Second, Duration(0).OrDefault(3*time.Second))
	assert.Equal(t, time.Second, Duration(time.Second).OrDefault(3*time.Second))
}

// TestValidateConfig tests that every problem is reported at once.
func TestValidateConfig(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateConfig(validConfig()))
	require.Error(t, ValidateConfig(nil))

	cfg := validConfig()
	cfg.JWT.Secret = ""
	cfg.Server.Address = "nope"
	cfg.RateLimit.Dimensions = []string{"ip", "user"}
	cfg.RateLimit.Rules = []RateLimitRule{{Pattern: "open/**", Limit: 0}}
	cfg.Route.RefreshSchedule = "every now and then"
	cfg.Remote.CatalogURL = "ftp://catalog"
	cfg.Whitelist = append(cfg.Whitelist, "/a/**/b")
	cfg.Route.Static = []StaticRouteConfig{
		{Prefix: "/api", Service: "platform"},
		{Prefix: "/api/", Service: "other"},
		{Prefix: "iam", URL: "ftp://iam", StripPrefix: -1},
		{Prefix: "/files"},
	}

	err := ValidateConfig(cfg)
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)

	paths := make([]string, 0, len(verrs))
	for _, e := range verrs {
		paths = append(paths, e.Path)
	}
	assert.ElementsMatch(t, []string{
		"jwt.secret",
		"server.address",
		"rateLimit.dimensions[1]",
		"rateLimit.rules[0].pattern",
		"rateLimit.rules[0].limit",
		"route.refreshSchedule",
		"remote.catalogURL",
		"whitelist[" + strconv.Itoa(len(cfg.Whitelist)-1) + "]",
		"route.static[1].prefix",
		"route.static[2].prefix",
		"route.static[2].url",
		"route.static[2].stripPrefix",
		"route.static[3]",
	}, paths)
}

// TestChangedSections tests section level diffing.
func TestChangedSections(t *testing.T) {
	t.Parallel()

	a := validConfig()
	b := validConfig()
	assert.Empty(t, ChangedSections(a, b))

	b.Whitelist = append(b.Whitelist, "/extra")
	b.Logging.Level = "debug"
	assert.Equal(t, []string{"Logging", "Whitelist"}, ChangedSections(a, b))
	assert.Nil(t, ChangedSections(nil, b))
}

// TestWatcherReload tests that a file change reaches the callback with the
// previous configuration.
func TestWatcherReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jwt:\n  secret: a\n"), 0o600))

	initial, err := LoadConfig(path)
	require.NoError(t, err)

	var mu sync.Mutex
	var got [][2]*GatewayConfig
	w, err := NewWatcher(path, initial, func(previous, current *GatewayConfig) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, [2]*GatewayConfig{previous, current})
	}, WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, w.Start(t.Context()))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("jwt:\n  secret: a\nlogging:\n  level: debug\n"), 0o600))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Same(t, initial, got[0][0])
	assert.Equal(t, "debug", got[0][1].Logging.Level)
	mu.Unlock()
	assert.Equal(t, "debug", w.GetLastConfig().Logging.Level)

	// Identical content is skipped, forced reload is not.
	require.NoError(t, w.reload(false))
	require.NoError(t, w.ForceReload())
	mu.Lock()
	assert.Len(t, got, 2)
	mu.Unlock()
}

// TestWatcherRejectsInvalid tests that an invalid file keeps the last good
// configuration.
func TestWatcherRejectsInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jwt:\n  secret: a\n"), 0o600))

	initial, err := LoadConfig(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("rateLimit:\n  defaultLimit: -1\n"), 0o600))
	assert.Error(t, w.ForceReload())
	assert.Same(t, initial, w.GetLastConfig())
}
