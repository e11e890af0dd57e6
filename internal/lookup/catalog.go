package lookup

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/vyrodovalexey/openapigw/internal/route"
)

// Backend types used by the catalog.
const (
	BackendTypeHTTP  = "http"
	BackendTypeRPC   = "rpc"
	BackendTypeDubbo = "dubbo"
)

// RouteDTO is the catalog's wire representation of a published API.
type RouteDTO struct {
	APIID            string `json:"apiId"`
	TenantID         string `json:"tenantId"`
	APIName          string `json:"apiName"`
	Path             string `json:"path"`
	Method           string `json:"method"`
	AuthType         string `json:"authType"`
	Timeout          int64  `json:"timeout"`
	MockEnabled      bool   `json:"mockEnabled"`
	MockResponse     string `json:"mockResponse"`
	CacheEnabled     bool   `json:"cacheEnabled"`
	CacheTTL         int64  `json:"cacheTtl"`
	RateLimitEnabled bool   `json:"rateLimitEnabled"`
	RateLimitQPS     int    `json:"rateLimitQps"`
	BackendType      string `json:"backendType"`
	BackendProtocol  string `json:"backendProtocol"`
	BackendHost      string `json:"backendHost"`
	BackendPath      string `json:"backendPath"`
	BackendMethod    string `json:"backendMethod"`
	DubboInterface   string `json:"dubboInterface"`
	DubboMethod      string `json:"dubboMethod"`
	DubboVersion     string `json:"dubboVersion"`
	DubboGroup       string `json:"dubboGroup"`
}

// Route converts the DTO. Timeout is in milliseconds and CacheTTL in
// seconds. An unknown backend type yields a route without a backend, which
// fails Route.Validate at dispatch time.
func (d *RouteDTO) Route() *route.Route {
	r := &route.Route{
		APIID:            d.APIID,
		TenantID:         d.TenantID,
		Name:             d.APIName,
		Path:             d.Path,
		Method:           strings.ToUpper(strings.TrimSpace(d.Method)),
		AuthType:         route.AuthType(strings.ToLower(strings.TrimSpace(d.AuthType))),
		Timeout:          time.Duration(d.Timeout) * time.Millisecond,
		MockEnabled:      d.MockEnabled,
		MockResponse:     d.MockResponse,
		CacheEnabled:     d.CacheEnabled,
		CacheTTL:         time.Duration(d.CacheTTL) * time.Second,
		RateLimitEnabled: d.RateLimitEnabled,
		RateLimitQPS:     d.RateLimitQPS,
	}
	if r.Method == "" {
		r.Method = route.MethodAll
	}
	if r.AuthType == "" {
		r.AuthType = route.AuthSignature
	}

	switch strings.ToLower(d.BackendType) {
	case BackendTypeHTTP, "":
		if d.BackendHost != "" {
			r.Backend = route.HTTPBackend{
				Protocol: d.BackendProtocol,
				Host:     d.BackendHost,
				Path:     d.BackendPath,
				Method:   strings.ToUpper(d.BackendMethod),
			}
		}
	case BackendTypeRPC, BackendTypeDubbo:
		r.Backend = route.RPCBackend{
			Interface: d.DubboInterface,
			Method:    d.DubboMethod,
			Version:   d.DubboVersion,
			Group:     d.DubboGroup,
			Timeout:   r.Timeout,
		}
	}
	return r
}

// CatalogClient reads published routes from the API platform.
type CatalogClient struct {
	c *client
}

// NewCatalogClient creates a catalog client for baseURL.
func NewCatalogClient(baseURL string, cfg ClientConfig, opts ...Option) *CatalogClient {
	return &CatalogClient{c: newClient("catalog", baseURL, cfg, opts...)}
}

func pathQuery(path, method string) url.Values {
	q := url.Values{}
	q.Set("path", path)
	if method != "" {
		q.Set("method", strings.ToUpper(method))
	}
	return q
}

// GetRouteByPath returns the route registered for exactly path and method.
func (c *CatalogClient) GetRouteByPath(ctx context.Context, path, method string) (*route.Route, error) {
	var dto RouteDTO
	found, err := c.c.getInto(ctx, "getRouteByPath", "/routes/by-path", pathQuery(path, method), &dto)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, notFound("route %s %s", method, path)
	}
	return dto.Route(), nil
}

// MatchRouteByPath asks the catalog to pattern-match path and method.
func (c *CatalogClient) MatchRouteByPath(ctx context.Context, path, method string) (*route.Route, error) {
	var dto RouteDTO
	found, err := c.c.getInto(ctx, "matchRouteByPath", "/routes/match", pathQuery(path, method), &dto)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, notFound("no route matches %s %s", method, path)
	}
	return dto.Route(), nil
}

// GetRouteByAPIID returns a published route by its API id.
func (c *CatalogClient) GetRouteByAPIID(ctx context.Context, apiID string) (*route.Route, error) {
	var dto RouteDTO
	found, err := c.c.getInto(ctx, "getRouteByApiId", "/routes/"+url.PathEscape(apiID), nil, &dto)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, notFound("route %s", apiID)
	}
	return dto.Route(), nil
}

// GetAllPublishedRoutes returns every published route.
func (c *CatalogClient) GetAllPublishedRoutes(ctx context.Context) ([]*route.Route, error) {
	var dtos []RouteDTO
	if _, err := c.c.getInto(ctx, "getAllPublishedRoutes", "/routes/published", nil, &dtos); err != nil {
		return nil, err
	}
	routes := make([]*route.Route, 0, len(dtos))
	for i := range dtos {
		routes = append(routes, dtos[i].Route())
	}
	return routes, nil
}

// IsAPIPublished reports whether a route is published for path and method.
func (c *CatalogClient) IsAPIPublished(ctx context.Context, path, method string) (bool, error) {
	var published bool
	if _, err := c.c.getInto(ctx, "isApiPublished", "/routes/published/check", pathQuery(path, method), &published); err != nil {
		return false, err
	}
	return published, nil
}
