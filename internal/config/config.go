package config

import "time"

// GatewayConfig is the root configuration of the gateway.
type GatewayConfig struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Remote    RemoteConfig    `yaml:"remote" json:"remote"`
	Tenant    TenantConfig    `yaml:"tenant" json:"tenant"`
	JWT       JWTConfig       `yaml:"jwt" json:"jwt"`
	AppKey    AppKeyConfig    `yaml:"appKey" json:"appKey"`
	RateLimit RateLimitConfig `yaml:"rateLimit" json:"rateLimit"`
	Route     RouteConfig     `yaml:"route" json:"route"`
	Dispatch  DispatchConfig  `yaml:"dispatch" json:"dispatch"`
	CallLog   CallLogConfig   `yaml:"callLog" json:"callLog"`

	// Whitelist lists path patterns that skip tenant resolution and
	// bearer authentication.
	Whitelist []string `yaml:"whitelist" json:"whitelist"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	Mode            string   `yaml:"mode" json:"mode"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	MaxBodyBytes    int64    `yaml:"maxBodyBytes" json:"maxBodyBytes"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	Output     string `yaml:"output" json:"output"`
	MaxSizeMB  int    `yaml:"maxSizeMB" json:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" json:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" json:"maxAgeDays"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// RedisConfig configures the shared key-value store. When disabled an
// in-process store is used, which is only suitable for a single instance.
type RedisConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	Address      string   `yaml:"address" json:"address"`
	Password     string   `yaml:"password" json:"password"`
	DB           int      `yaml:"db" json:"db"`
	PoolSize     int      `yaml:"poolSize" json:"poolSize"`
	KeyPrefix    string   `yaml:"keyPrefix" json:"keyPrefix"`
	DialTimeout  Duration `yaml:"dialTimeout" json:"dialTimeout"`
	ReadTimeout  Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout" json:"writeTimeout"`
}

// RemoteConfig configures the catalog, registry and tenant clients.
type RemoteConfig struct {
	CatalogURL       string   `yaml:"catalogURL" json:"catalogURL"`
	RegistryURL      string   `yaml:"registryURL" json:"registryURL"`
	TenantURL        string   `yaml:"tenantURL" json:"tenantURL"`
	Timeout          Duration `yaml:"timeout" json:"timeout"`
	RetryAttempts    int      `yaml:"retryAttempts" json:"retryAttempts"`
	RetryDelay       Duration `yaml:"retryDelay" json:"retryDelay"`
	BreakerThreshold int      `yaml:"breakerThreshold" json:"breakerThreshold"`
	BreakerTimeout   Duration `yaml:"breakerTimeout" json:"breakerTimeout"`
}

// TenantConfig configures tenant resolution.
type TenantConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	DefaultTenant string   `yaml:"defaultTenant" json:"defaultTenant"`
	CacheTTL      Duration `yaml:"cacheTTL" json:"cacheTTL"`
}

// JWTConfig configures bearer token verification.
type JWTConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Secret  string `yaml:"secret" json:"secret"`
	Issuer  string `yaml:"issuer" json:"issuer"`
}

// AppKeyConfig configures HMAC signature authentication.
type AppKeyConfig struct {
	Enabled              bool     `yaml:"enabled" json:"enabled"`
	TimestampTolerance   Duration `yaml:"timestampTolerance" json:"timestampTolerance"`
	NonceTTL             Duration `yaml:"nonceTTL" json:"nonceTTL"`
	CredentialCacheTTL   Duration `yaml:"credentialCacheTTL" json:"credentialCacheTTL"`
	SubscriptionCacheTTL Duration `yaml:"subscriptionCacheTTL" json:"subscriptionCacheTTL"`
	AuthPaths            []string `yaml:"authPaths" json:"authPaths"`
	SkipPaths            []string `yaml:"skipPaths" json:"skipPaths"`
	// ChangeChannel announces application status changes. It is consumed
	// by the route change listener, so route.listenChanges must be on.
	ChangeChannel string `yaml:"changeChannel" json:"changeChannel"`
}

// RateLimitConfig configures fixed-window rate limiting.
type RateLimitConfig struct {
	Enabled       bool            `yaml:"enabled" json:"enabled"`
	DefaultLimit  int             `yaml:"defaultLimit" json:"defaultLimit"`
	DefaultWindow Duration        `yaml:"defaultWindow" json:"defaultWindow"`
	Dimensions    []string        `yaml:"dimensions" json:"dimensions"`
	Rules         []RateLimitRule `yaml:"rules" json:"rules"`
	SkipPaths     []string        `yaml:"skipPaths" json:"skipPaths"`
}

// RateLimitRule overrides the default limit for matching paths.
type RateLimitRule struct {
	Pattern string   `yaml:"pattern" json:"pattern"`
	Limit   int      `yaml:"limit" json:"limit"`
	Window  Duration `yaml:"window" json:"window"`
}

// RouteConfig configures open-API route resolution.
type RouteConfig struct {
	OpenAPIPrefixes []string `yaml:"openAPIPrefixes" json:"openAPIPrefixes"`
	CacheSize       int      `yaml:"cacheSize" json:"cacheSize"`
	CacheTTL        Duration `yaml:"cacheTTL" json:"cacheTTL"`
	RefreshSchedule string   `yaml:"refreshSchedule" json:"refreshSchedule"`
	ListenChanges   bool     `yaml:"listenChanges" json:"listenChanges"`
	ChangeChannel   string   `yaml:"changeChannel" json:"changeChannel"`

	// Static forwards non-open-API paths, after bearer authentication, to
	// fixed backends.
	Static []StaticRouteConfig `yaml:"static" json:"static"`
}

// StaticRouteConfig maps a path prefix to a named service from
// dispatch.services or to a base URL.
type StaticRouteConfig struct {
	Prefix      string `yaml:"prefix" json:"prefix"`
	Service     string `yaml:"service" json:"service"`
	URL         string `yaml:"url" json:"url"`
	StripPrefix int    `yaml:"stripPrefix" json:"stripPrefix"`
}

// DispatchConfig configures backend dispatch.
type DispatchConfig struct {
	DefaultTimeout   Duration            `yaml:"defaultTimeout" json:"defaultTimeout"`
	ResponseCacheTTL Duration            `yaml:"responseCacheTTL" json:"responseCacheTTL"`
	MaxResponseBytes int64               `yaml:"maxResponseBytes" json:"maxResponseBytes"`
	Services         map[string][]string `yaml:"services" json:"services"`
	RPC              RPCConfig           `yaml:"rpc" json:"rpc"`
}

// RPCConfig configures generic RPC invocation.
type RPCConfig struct {
	DefaultTimeout  Duration          `yaml:"defaultTimeout" json:"defaultTimeout"`
	DefaultTarget   string            `yaml:"defaultTarget" json:"defaultTarget"`
	Targets         map[string]string `yaml:"targets" json:"targets"`
	WorkerPoolSize  int               `yaml:"workerPoolSize" json:"workerPoolSize"`
	HandleCacheSize int               `yaml:"handleCacheSize" json:"handleCacheSize"`
}

// CallLogConfig configures call-log reporting.
type CallLogConfig struct {
	Enabled           bool   `yaml:"enabled" json:"enabled"`
	QueueSize         int    `yaml:"queueSize" json:"queueSize"`
	Workers           int    `yaml:"workers" json:"workers"`
	Channel           string `yaml:"channel" json:"channel"`
	RetentionSchedule string `yaml:"retentionSchedule" json:"retentionSchedule"`
	RetainPerHour     int    `yaml:"retainPerHour" json:"retainPerHour"`
}

// Default values.
const (
	DefaultAddress            = ":8080"
	DefaultTenantID           = "default"
	DefaultTimestampTolerance = 300 * time.Second
	DefaultCredentialCacheTTL = 600 * time.Second
	DefaultSubscriptionTTL    = 300 * time.Second
	DefaultTenantCacheTTL     = 300 * time.Second
	DefaultRateLimit          = 100
	DefaultRateWindow         = 60 * time.Second
	DefaultRouteCacheSize     = 10000
	DefaultRouteCacheTTL      = 600 * time.Second
	DefaultDispatchTimeout    = 30 * time.Second
	DefaultResponseCacheTTL   = 60 * time.Second
	DefaultRPCTimeout         = 5000 * time.Millisecond
	DefaultRouteChangeChannel = "channel:api:route:change"
	DefaultAppChangeChannel   = "channel:app:status:change"
	DefaultCallLogChannel     = "channel:call:log"
)

// DefaultWhitelist is the set of paths that never require a tenant or a bearer token.
var DefaultWhitelist = []string{
	"/api/iam/v1/auth/login",
	"/api/iam/v1/auth/register",
	"/api/iam/v1/auth/captcha",
	"/api/iam/v1/auth/refresh",
	"/iam/v1/auth/**",
	"/doc.html",
	"/",
	"/open/**",
	"/external/**",
	"/gateway/**",
	"/open-api/**",
	"/actuator/**",
	"/gateway-info",
	"/metrics",
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *GatewayConfig {
	return &GatewayConfig{
		Server: ServerConfig{
			Address:         DefaultAddress,
			Mode:            "release",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
			MaxBodyBytes:    10 << 20,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 14,
		},
		Tracing: TracingConfig{
			ServiceName:  "openapigw",
			SamplingRate: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Redis: RedisConfig{
			Enabled:      true,
			Address:      "localhost:6379",
			PoolSize:     50,
			DialTimeout:  Duration(5 * time.Second),
			ReadTimeout:  Duration(3 * time.Second),
			WriteTimeout: Duration(3 * time.Second),
		},
		Remote: RemoteConfig{
			Timeout:          Duration(3 * time.Second),
			RetryAttempts:    2,
			RetryDelay:       Duration(50 * time.Millisecond),
			BreakerThreshold: 10,
			BreakerTimeout:   Duration(30 * time.Second),
		},
		Tenant: TenantConfig{
			Enabled:       true,
			DefaultTenant: DefaultTenantID,
			CacheTTL:      Duration(DefaultTenantCacheTTL),
		},
		JWT: JWTConfig{
			Enabled: true,
		},
		AppKey: AppKeyConfig{
			Enabled:              true,
			TimestampTolerance:   Duration(DefaultTimestampTolerance),
			CredentialCacheTTL:   Duration(DefaultCredentialCacheTTL),
			SubscriptionCacheTTL: Duration(DefaultSubscriptionTTL),
			AuthPaths:            []string{"/open/**", "/external/**"},
			ChangeChannel:        DefaultAppChangeChannel,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			DefaultLimit:  DefaultRateLimit,
			DefaultWindow: Duration(DefaultRateWindow),
			Dimensions:    []string{"ip", "path", "ip_path"},
			SkipPaths:     []string{"/actuator/**", "/metrics", "/gateway-info", "/gateway/**", "/open-api/**"},
		},
		Route: RouteConfig{
			OpenAPIPrefixes: []string{"/open/", "/external/"},
			CacheSize:       DefaultRouteCacheSize,
			CacheTTL:        Duration(DefaultRouteCacheTTL),
			RefreshSchedule: "@every 10m",
			ListenChanges:   true,
			ChangeChannel:   DefaultRouteChangeChannel,
		},
		Dispatch: DispatchConfig{
			DefaultTimeout:   Duration(DefaultDispatchTimeout),
			ResponseCacheTTL: Duration(DefaultResponseCacheTTL),
			MaxResponseBytes: 32 << 20,
			RPC: RPCConfig{
				DefaultTimeout:  Duration(DefaultRPCTimeout),
				WorkerPoolSize:  64,
				HandleCacheSize: 256,
			},
		},
		CallLog: CallLogConfig{
			Enabled:           true,
			QueueSize:         4096,
			Workers:           4,
			Channel:           DefaultCallLogChannel,
			RetentionSchedule: "@hourly",
			RetainPerHour:     10000,
		},
		Whitelist: append([]string(nil), DefaultWhitelist...),
	}
}

// EffectiveNonceTTL returns the nonce TTL, which defaults to the timestamp tolerance.
func (c AppKeyConfig) EffectiveNonceTTL() time.Duration {
	if c.NonceTTL > 0 {
		return c.NonceTTL.Duration()
	}
	return c.TimestampTolerance.Duration()
}
