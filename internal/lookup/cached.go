package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/openapigw/internal/auth"
	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/store"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

// Default cache lifetimes.
const (
	DefaultTenantTTL       = 300 * time.Second
	DefaultCredentialTTL   = 600 * time.Second
	DefaultSubscriptionTTL = 300 * time.Second
)

const (
	flagTrue  = "1"
	flagFalse = "0"
)

// TenantSource validates tenants remotely.
type TenantSource interface {
	IsValidTenant(ctx context.Context, tenantID string) (bool, error)
}

// AppKeySource fetches credentials remotely.
type AppKeySource interface {
	GetAppKeyInfo(ctx context.Context, appKey string) (*auth.AppCredential, error)
}

// SubscriptionSource checks subscriptions remotely.
type SubscriptionSource interface {
	CheckSubscriptionByPath(ctx context.Context, appID, path string) (bool, error)
	CheckSubscriptionByAPIID(ctx context.Context, appID, apiID string) (bool, error)
}

// TenantKey returns the cache key of a tenant validity flag.
func TenantKey(tenantID string) string {
	return "tenant:valid:" + tenantID
}

// CredentialKey returns the cache key of an app credential.
func CredentialKey(appKey string) string {
	return "appkey:info:" + appKey
}

// SubscriptionKey returns the cache key of a subscription flag. target is
// the API id when known, the request path otherwise.
func SubscriptionKey(appID, target string) string {
	return "sub:" + appID + ":" + target
}

// cacheBase holds what every store-backed lookup shares.
type cacheBase struct {
	store  store.Store
	ttl    time.Duration
	logger observability.Logger
}

func (b *cacheBase) read(ctx context.Context, key string) (string, bool) {
	v, err := b.store.Get(ctx, key)
	if err != nil {
		if !store.IsNotFound(err) {
			b.logger.Warn("cache read failed", observability.String("key", key), observability.Error(err))
		}
		return "", false
	}
	return v, true
}

func (b *cacheBase) write(ctx context.Context, key, value string) {
	if err := b.store.Set(ctx, key, value, b.ttl); err != nil {
		b.logger.Warn("cache write failed", observability.String("key", key), observability.Error(err))
	}
}

func flag(v bool) string {
	if v {
		return flagTrue
	}
	return flagFalse
}

// TenantValidator decides whether a tenant may call the gateway. The
// default tenant is always valid.
type TenantValidator struct {
	cacheBase
	source        TenantSource
	defaultTenant string
}

// NewTenantValidator creates a tenant validator.
func NewTenantValidator(
	source TenantSource,
	s store.Store,
	defaultTenant string,
	ttl time.Duration,
	logger observability.Logger,
) *TenantValidator {
	if ttl <= 0 {
		ttl = DefaultTenantTTL
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &TenantValidator{
		cacheBase:     cacheBase{store: s, ttl: ttl, logger: logger},
		source:        source,
		defaultTenant: defaultTenant,
	}
}

// DefaultTenant returns the tenant used when a request names none.
func (v *TenantValidator) DefaultTenant() string {
	return v.defaultTenant
}

// IsValid reports whether tenantID is valid. Remote failures validate the
// tenant and are not cached.
func (v *TenantValidator) IsValid(ctx context.Context, tenantID string) bool {
	if tenantID == "" || tenantID == v.defaultTenant {
		return true
	}

	key := TenantKey(tenantID)
	if cached, ok := v.read(ctx, key); ok {
		return cached == flagTrue
	}

	valid, err := v.source.IsValidTenant(ctx, tenantID)
	if err != nil {
		v.logger.Warn("tenant validation unavailable, allowing tenant",
			observability.String("tenant_id", tenantID),
			observability.Error(err),
		)
		return true
	}
	v.write(ctx, key, flag(valid))
	return valid
}

// CredentialCache is a read-through cache of app credentials. It
// implements signature.CredentialSource.
type CredentialCache struct {
	cacheBase
	source AppKeySource
}

// NewCredentialCache creates a credential cache.
func NewCredentialCache(source AppKeySource, s store.Store, ttl time.Duration, logger observability.Logger) *CredentialCache {
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &CredentialCache{
		cacheBase: cacheBase{store: s, ttl: ttl, logger: logger},
		source:    source,
	}
}

// AppCredential returns the credential for appKey. Unknown keys are not
// cached so that a newly created app works immediately.
func (c *CredentialCache) AppCredential(ctx context.Context, appKey string) (*auth.AppCredential, error) {
	key := CredentialKey(appKey)
	if cached, ok := c.read(ctx, key); ok {
		var app auth.AppCredential
		if err := json.Unmarshal([]byte(cached), &app); err == nil {
			return &app, nil
		}
		c.logger.Warn("discarding malformed cached credential", observability.String("key", key))
	}

	app, err := c.source.GetAppKeyInfo(ctx, appKey)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, fmt.Errorf("app key %s: %w", appKey, util.ErrNotFound)
	}

	if data, err := json.Marshal(app); err == nil {
		c.write(ctx, key, string(data))
	}
	return app, nil
}

// Invalidate drops the cached credential of appKey.
func (c *CredentialCache) Invalidate(ctx context.Context, appKey string) error {
	return c.store.Delete(ctx, CredentialKey(appKey))
}

// DefaultAppChangeChannel is the pub/sub channel application status
// changes are announced on.
const DefaultAppChangeChannel = "channel:app:status:change"

// AppChangeEvent announces that an application was enabled, disabled,
// expired or had its secret rotated.
type AppChangeEvent struct {
	AppID     string         `json:"appId"`
	AppKey    string         `json:"appKey"`
	OldStatus auth.AppStatus `json:"oldStatus,omitempty"`
	NewStatus auth.AppStatus `json:"newStatus,omitempty"`
}

// HandleAppChange drops the cached credential named by payload, a JSON
// AppChangeEvent, so the next call reads the registry.
func (c *CredentialCache) HandleAppChange(ctx context.Context, payload string) error {
	var ev AppChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return fmt.Errorf("malformed app change event: %w", err)
	}
	if ev.AppKey == "" {
		return fmt.Errorf("app change event for %q without app key", ev.AppID)
	}
	if err := c.Invalidate(ctx, ev.AppKey); err != nil {
		return fmt.Errorf("failed to invalidate credential of %s: %w", ev.AppKey, err)
	}
	c.logger.Info("credential invalidated",
		observability.String("app_id", ev.AppID),
		observability.String("app_key", ev.AppKey),
		observability.String("status", string(ev.NewStatus)),
	)
	return nil
}

// SubscriptionCache is a read-through cache of subscription checks. It
// implements signature.SubscriptionChecker.
type SubscriptionCache struct {
	cacheBase
	source SubscriptionSource
}

// NewSubscriptionCache creates a subscription cache.
func NewSubscriptionCache(source SubscriptionSource, s store.Store, ttl time.Duration, logger observability.Logger) *SubscriptionCache {
	if ttl <= 0 {
		ttl = DefaultSubscriptionTTL
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &SubscriptionCache{
		cacheBase: cacheBase{store: s, ttl: ttl, logger: logger},
		source:    source,
	}
}

// IsSubscribed checks by apiID when set, by path otherwise. Remote
// failures deny the call and are not cached.
func (c *SubscriptionCache) IsSubscribed(ctx context.Context, appID, apiID, path string) bool {
	target := apiID
	if target == "" {
		target = path
	}
	key := SubscriptionKey(appID, target)
	if cached, ok := c.read(ctx, key); ok {
		return cached == flagTrue
	}

	var (
		subscribed bool
		err        error
	)
	if apiID != "" {
		subscribed, err = c.source.CheckSubscriptionByAPIID(ctx, appID, apiID)
	} else {
		subscribed, err = c.source.CheckSubscriptionByPath(ctx, appID, path)
	}
	if err != nil {
		c.logger.Warn("subscription check unavailable, denying call",
			observability.String("app_id", appID),
			observability.String("target", target),
			observability.Error(err),
		)
		return false
	}
	c.write(ctx, key, flag(subscribed))
	return subscribed
}

// IsNotFound reports whether err means the remote entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, util.ErrNotFound)
}
