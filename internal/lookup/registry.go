package lookup

import (
	"context"
	"net/url"
	"strings"

	"github.com/vyrodovalexey/openapigw/internal/auth"
	"github.com/vyrodovalexey/openapigw/internal/auth/signature"
)

// AppKeyInfoDTO is the registry's wire representation of an AppKey.
type AppKeyInfoDTO struct {
	AppID          string `json:"appId"`
	TenantID       string `json:"tenantId"`
	AppName        string `json:"appName"`
	AppCode        string `json:"appCode"`
	AppKey         string `json:"appKey"`
	AppSecret      string `json:"appSecret"`
	Status         string `json:"status"`
	ExpireTime     *int64 `json:"expireTime"`
	IPWhitelist    string `json:"ipWhitelist"`
	QuotaLimit     *int64 `json:"quotaLimit"`
	QuotaUsed      *int64 `json:"quotaUsed"`
	QuotaResetTime *int64 `json:"quotaResetTime"`
}

// Credential converts the DTO; the whitelist is split on commas.
func (d *AppKeyInfoDTO) Credential() *auth.AppCredential {
	return &auth.AppCredential{
		AppID:       d.AppID,
		TenantID:    d.TenantID,
		AppName:     d.AppName,
		AppKey:      d.AppKey,
		AppSecret:   d.AppSecret,
		Status:      auth.AppStatus(strings.ToLower(d.Status)),
		ExpireTime:  deref(d.ExpireTime),
		IPWhitelist: signature.ParseWhitelist(d.IPWhitelist),
		QuotaLimit:  deref(d.QuotaLimit),
		QuotaUsed:   deref(d.QuotaUsed),
	}
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// RegistryClient reads applications and subscriptions from the app/key
// registry.
type RegistryClient struct {
	c *client
}

// NewRegistryClient creates a registry client for baseURL.
func NewRegistryClient(baseURL string, cfg ClientConfig, opts ...Option) *RegistryClient {
	return &RegistryClient{c: newClient("registry", baseURL, cfg, opts...)}
}

// GetAppKeyInfo returns the credential for appKey.
func (c *RegistryClient) GetAppKeyInfo(ctx context.Context, appKey string) (*auth.AppCredential, error) {
	var dto AppKeyInfoDTO
	found, err := c.c.getInto(ctx, "getAppKeyInfo", "/apps/keys/"+url.PathEscape(appKey), nil, &dto)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, notFound("app key %s", appKey)
	}
	return dto.Credential(), nil
}

// CheckSubscriptionByPath reports whether appID subscribed to the API at path.
func (c *RegistryClient) CheckSubscriptionByPath(ctx context.Context, appID, path string) (bool, error) {
	q := url.Values{}
	q.Set("path", path)
	return c.checkSubscription(ctx, "checkSubscriptionByPath", appID, q)
}

// CheckSubscriptionByAPIID reports whether appID subscribed to apiID.
func (c *RegistryClient) CheckSubscriptionByAPIID(ctx context.Context, appID, apiID string) (bool, error) {
	q := url.Values{}
	q.Set("apiId", apiID)
	return c.checkSubscription(ctx, "checkSubscriptionByApiId", appID, q)
}

func (c *RegistryClient) checkSubscription(ctx context.Context, op, appID string, q url.Values) (bool, error) {
	var subscribed bool
	path := "/apps/" + url.PathEscape(appID) + "/subscriptions/check"
	if _, err := c.c.getInto(ctx, op, path, q, &subscribed); err != nil {
		return false, err
	}
	return subscribed, nil
}

type validateCredentialsRequest struct {
	AppKey    string `json:"appKey"`
	AppSecret string `json:"appSecret"`
}

// ValidateCredentials asks the registry whether appKey and appSecret match
// an active application.
func (c *RegistryClient) ValidateCredentials(ctx context.Context, appKey, appSecret string) (bool, error) {
	raw, err := c.c.post(ctx, "validateCredentials", "/apps/credentials/validate",
		validateCredentialsRequest{AppKey: appKey, AppSecret: appSecret})
	if err != nil || raw == nil {
		return false, err
	}
	return string(raw) == "true", nil
}

// TenantClient checks tenants against the IAM tenant registry.
type TenantClient struct {
	c *client
}

// NewTenantClient creates a tenant client for baseURL.
func NewTenantClient(baseURL string, cfg ClientConfig, opts ...Option) *TenantClient {
	return &TenantClient{c: newClient("tenant", baseURL, cfg, opts...)}
}

// IsValidTenant reports whether tenantID exists and is enabled.
func (c *TenantClient) IsValidTenant(ctx context.Context, tenantID string) (bool, error) {
	var valid bool
	if _, err := c.c.getInto(ctx, "isValidTenant", "/tenants/"+url.PathEscape(tenantID)+"/valid", nil, &valid); err != nil {
		return false, err
	}
	return valid, nil
}
