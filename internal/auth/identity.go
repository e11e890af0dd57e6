package auth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrIdentityNotFound is returned when no identity is attached to the context.
var ErrIdentityNotFound = errors.New("identity not found in context")

// UserContext is the identity of a bearer-authenticated user. It lives for
// the request only and is never persisted.
type UserContext struct {
	UserID   string   `json:"userId"`
	Username string   `json:"username"`
	TenantID string   `json:"tenantId"`
	Roles    []string `json:"roles,omitempty"`
}

// RolesHeader returns the roles joined for the X-User-Roles header.
func (u *UserContext) RolesHeader() string {
	return strings.Join(u.Roles, ",")
}

// AppStatus is the lifecycle state of an application credential.
type AppStatus string

// Application states.
const (
	AppStatusActive   AppStatus = "active"
	AppStatusDisabled AppStatus = "disabled"
	AppStatusExpired  AppStatus = "expired"
)

// AppCredential is an application's AppKey record from the registry.
type AppCredential struct {
	AppID     string    `json:"appId"`
	TenantID  string    `json:"tenantId"`
	AppName   string    `json:"appName,omitempty"`
	AppKey    string    `json:"appKey"`
	AppSecret string    `json:"appSecret"`
	Status    AppStatus `json:"status"`

	// ExpireTime is epoch milliseconds; zero means the credential never expires.
	ExpireTime int64 `json:"expireTime"`

	IPWhitelist []string `json:"ipWhitelist,omitempty"`
	QuotaLimit  int64    `json:"quotaLimit"`
	QuotaUsed   int64    `json:"quotaUsed"`
}

// IsActive reports whether the credential may be used.
func (a *AppCredential) IsActive() bool {
	return a.Status == AppStatusActive
}

// IsExpired reports whether the credential expired before now.
func (a *AppCredential) IsExpired(now time.Time) bool {
	if a.ExpireTime <= 0 {
		return false
	}
	return now.UnixMilli() > a.ExpireTime
}

// HasQuota reports whether a daily call quota applies.
func (a *AppCredential) HasQuota() bool {
	return a.QuotaLimit > 0
}

type userContextKey struct{}

type appCredentialKey struct{}

// WithUserContext attaches the authenticated user to ctx.
func WithUserContext(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*UserContext, bool) {
	user, ok := ctx.Value(userContextKey{}).(*UserContext)
	return user, ok && user != nil
}

// WithAppCredential attaches the authenticated application to ctx.
func WithAppCredential(ctx context.Context, app *AppCredential) context.Context {
	return context.WithValue(ctx, appCredentialKey{}, app)
}

// AppFromContext returns the authenticated application, if any.
func AppFromContext(ctx context.Context) (*AppCredential, bool) {
	app, ok := ctx.Value(appCredentialKey{}).(*AppCredential)
	return app, ok && app != nil
}

// TenantFromContext returns the tenant of whichever identity is attached.
func TenantFromContext(ctx context.Context) (string, error) {
	if user, ok := UserFromContext(ctx); ok {
		return user.TenantID, nil
	}
	if app, ok := AppFromContext(ctx); ok {
		return app.TenantID, nil
	}
	return "", ErrIdentityNotFound
}
