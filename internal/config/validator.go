package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/vyrodovalexey/openapigw/internal/pathmatch"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates gateway configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a gateway configuration.
func ValidateConfig(config *GatewayConfig) error {
	return NewValidator().Validate(config)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *GatewayConfig) error {
	v.errors = make(ValidationErrors, 0)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&config.Server)
	v.validateLogging(&config.Logging)
	v.validateRedis(&config.Redis)
	v.validateRemote(&config.Remote)
	v.validateAuth(config)
	v.validateRateLimit(&config.RateLimit)
	v.validateRoute(&config.Route)
	v.validateDispatch(&config.Dispatch)
	v.validateCallLog(&config.CallLog)
	v.validatePatterns("whitelist", config.Whitelist)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServer(s *ServerConfig) {
	if s.Address == "" {
		v.addError("server.address", "address is required")
	} else if _, _, err := net.SplitHostPort(s.Address); err != nil {
		v.addError("server.address", fmt.Sprintf("invalid address: %v", err))
	}

	switch s.Mode {
	case "", "debug", "release", "test":
	default:
		v.addError("server.mode", "mode must be debug, release or test")
	}

	if s.MaxBodyBytes < 0 {
		v.addError("server.maxBodyBytes", "maxBodyBytes must be non-negative")
	}
}

func (v *Validator) validateLogging(l *LoggingConfig) {
	switch strings.ToLower(l.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", "level must be debug, info, warn or error")
	}
	switch l.Format {
	case "", "json", "console":
	default:
		v.addError("logging.format", "format must be json or console")
	}
}

func (v *Validator) validateRedis(r *RedisConfig) {
	if !r.Enabled {
		return
	}
	if r.Address == "" {
		v.addError("redis.address", "address is required when redis is enabled")
	}
	if r.DB < 0 {
		v.addError("redis.db", "db must be non-negative")
	}
}

func (v *Validator) validateRemote(r *RemoteConfig) {
	for name, raw := range map[string]string{
		"remote.catalogURL":  r.CatalogURL,
		"remote.registryURL": r.RegistryURL,
		"remote.tenantURL":   r.TenantURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.addError(name, fmt.Sprintf("invalid URL %q", raw))
		}
	}
	if r.RetryAttempts < 0 {
		v.addError("remote.retryAttempts", "retryAttempts must be non-negative")
	}
}

func (v *Validator) validateAuth(c *GatewayConfig) {
	if c.JWT.Enabled && c.JWT.Secret == "" {
		v.addError("jwt.secret", "secret is required when jwt is enabled")
	}
	if c.AppKey.Enabled && c.AppKey.TimestampTolerance <= 0 {
		v.addError("appKey.timestampTolerance", "timestampTolerance must be positive")
	}
	if c.Tenant.Enabled && c.Tenant.DefaultTenant == "" {
		v.addError("tenant.defaultTenant", "defaultTenant is required")
	}
	v.validatePatterns("appKey.authPaths", c.AppKey.AuthPaths)
	v.validatePatterns("appKey.skipPaths", c.AppKey.SkipPaths)
}

func (v *Validator) validateRateLimit(rl *RateLimitConfig) {
	if !rl.Enabled {
		return
	}
	if rl.DefaultLimit <= 0 {
		v.addError("rateLimit.defaultLimit", "defaultLimit must be positive")
	}
	if rl.DefaultWindow <= 0 {
		v.addError("rateLimit.defaultWindow", "defaultWindow must be positive")
	}
	for i, dim := range rl.Dimensions {
		switch dim {
		case "ip", "path", "ip_path":
		default:
			v.addError(fmt.Sprintf("rateLimit.dimensions[%d]", i), fmt.Sprintf("unknown dimension %q", dim))
		}
	}
	for i, rule := range rl.Rules {
		path := fmt.Sprintf("rateLimit.rules[%d]", i)
		if _, err := pathmatch.Compile(rule.Pattern); err != nil {
			v.addError(path+".pattern", err.Error())
		}
		if rule.Limit <= 0 {
			v.addError(path+".limit", "limit must be positive")
		}
	}
	v.validatePatterns("rateLimit.skipPaths", rl.SkipPaths)
}

func (v *Validator) validateRoute(r *RouteConfig) {
	if len(r.OpenAPIPrefixes) == 0 {
		v.addError("route.openAPIPrefixes", "at least one open-API prefix is required")
	}
	for i, prefix := range r.OpenAPIPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			v.addError(fmt.Sprintf("route.openAPIPrefixes[%d]", i), "prefix must start with /")
		}
	}
	if r.CacheSize <= 0 {
		v.addError("route.cacheSize", "cacheSize must be positive")
	}
	v.validateSchedule("route.refreshSchedule", r.RefreshSchedule)

	seen := make(map[string]bool, len(r.Static))
	for i, st := range r.Static {
		path := fmt.Sprintf("route.static[%d]", i)
		prefix := strings.TrimSuffix(st.Prefix, "/")
		switch {
		case !strings.HasPrefix(st.Prefix, "/"):
			v.addError(path+".prefix", "prefix must start with /")
		case seen[prefix]:
			v.addError(path+".prefix", fmt.Sprintf("duplicate prefix %q", st.Prefix))
		}
		seen[prefix] = true

		if (st.Service == "") == (st.URL == "") {
			v.addError(path, "exactly one of service and url is required")
		} else if st.URL != "" {
			if u, err := url.Parse(st.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				v.addError(path+".url", fmt.Sprintf("invalid URL %q", st.URL))
			}
		}
		if st.StripPrefix < 0 {
			v.addError(path+".stripPrefix", "stripPrefix must be non-negative")
		}
	}
}

func (v *Validator) validateDispatch(d *DispatchConfig) {
	for name, instances := range d.Services {
		if len(instances) == 0 {
			v.addError("dispatch.services."+name, "at least one instance is required")
		}
	}
	if d.RPC.WorkerPoolSize <= 0 {
		v.addError("dispatch.rpc.workerPoolSize", "workerPoolSize must be positive")
	}
	if d.RPC.HandleCacheSize <= 0 {
		v.addError("dispatch.rpc.handleCacheSize", "handleCacheSize must be positive")
	}
}

func (v *Validator) validateCallLog(c *CallLogConfig) {
	if !c.Enabled {
		return
	}
	if c.QueueSize <= 0 {
		v.addError("callLog.queueSize", "queueSize must be positive")
	}
	if c.Workers <= 0 {
		v.addError("callLog.workers", "workers must be positive")
	}
	v.validateSchedule("callLog.retentionSchedule", c.RetentionSchedule)
}

func (v *Validator) validateSchedule(path, schedule string) {
	if schedule == "" {
		return
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		v.addError(path, fmt.Sprintf("invalid schedule %q: %v", schedule, err))
	}
}

func (v *Validator) validatePatterns(path string, patterns []string) {
	for i, raw := range patterns {
		if _, err := pathmatch.Compile(raw); err != nil {
			v.addError(fmt.Sprintf("%s[%d]", path, i), err.Error())
		}
	}
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{
		Path:    path,
		Message: message,
	})
}
