package pipeline

import (
	"fmt"
	"strings"

	"github.com/vyrodovalexey/openapigw/internal/config"
	"github.com/vyrodovalexey/openapigw/internal/pathmatch"
	"github.com/vyrodovalexey/openapigw/internal/route"
)

// Settings is the hot-reloadable path classification of the chain.
type Settings struct {
	whitelist      *pathmatch.Set
	signaturePaths *pathmatch.Set
	signatureSkip  *pathmatch.Set
	prefixes       []string
	defaultTenant  string
	static         *route.StaticTable
}

// NewSettings compiles the path sets of cfg.
func NewSettings(cfg *config.GatewayConfig) (*Settings, error) {
	whitelist, err := pathmatch.NewSet(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("invalid whitelist: %w", err)
	}
	authPaths, err := pathmatch.NewSet(cfg.AppKey.AuthPaths)
	if err != nil {
		return nil, fmt.Errorf("invalid appKey.authPaths: %w", err)
	}
	skipPaths, err := pathmatch.NewSet(cfg.AppKey.SkipPaths)
	if err != nil {
		return nil, fmt.Errorf("invalid appKey.skipPaths: %w", err)
	}

	prefixes := make([]string, 0, len(cfg.Route.OpenAPIPrefixes))
	for _, p := range cfg.Route.OpenAPIPrefixes {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}

	defaultTenant := cfg.Tenant.DefaultTenant
	if defaultTenant == "" {
		defaultTenant = config.DefaultTenantID
	}

	static := make([]route.StaticRoute, 0, len(cfg.Route.Static))
	for _, st := range cfg.Route.Static {
		static = append(static, route.StaticRoute{
			Prefix:      st.Prefix,
			Service:     st.Service,
			URL:         st.URL,
			StripPrefix: st.StripPrefix,
		})
	}
	staticTable, err := route.NewStaticTable(static)
	if err != nil {
		return nil, fmt.Errorf("invalid route.static: %w", err)
	}

	return &Settings{
		static:         staticTable,
		whitelist:      whitelist,
		signaturePaths: authPaths,
		signatureSkip:  skipPaths,
		prefixes:       prefixes,
		defaultTenant:  defaultTenant,
	}, nil
}

// IsWhitelisted reports whether path skips tenant resolution and bearer
// authentication.
func (s *Settings) IsWhitelisted(path string) bool {
	return s.whitelist.Match(path)
}

// IsOpenAPI reports whether path is under an open-API prefix.
func (s *Settings) IsOpenAPI(path string) bool {
	for _, p := range s.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// SignatureApplies reports whether a signature-protected route at path
// must be verified. An empty authPaths list covers every open-API path.
func (s *Settings) SignatureApplies(path string) bool {
	if s.signatureSkip.Match(path) {
		return false
	}
	return s.signaturePaths.Len() == 0 || s.signaturePaths.Match(path)
}

// DefaultTenant is the tenant of requests that name none.
func (s *Settings) DefaultTenant() string {
	return s.defaultTenant
}

// StaticRoute returns the static route serving a non-open-API path.
func (s *Settings) StaticRoute(path string) (route.StaticRoute, bool) {
	if s.IsOpenAPI(path) {
		return route.StaticRoute{}, false
	}
	return s.static.Match(path)
}
