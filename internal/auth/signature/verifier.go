// Package signature authenticates open-API calls signed with an AppKey.
//
// A signed request carries X-App-Key, X-Timestamp, X-Nonce and
// X-Signature. The signature is the Base64 HMAC-SHA256, keyed by the app
// secret, of "METHOD\npath\ntimestamp\nnonce". Each nonce is accepted once
// per tolerance window, and the app's status, expiry, IP whitelist, daily
// quota and API subscription are checked before the call is let through.
package signature

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vyrodovalexey/openapigw/internal/auth"
	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/store"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

// User-facing failure messages.
const (
	MsgInvalidTimestamp = "invalid timestamp format"
	MsgTimestampExpired = "request timestamp expired"
	MsgDuplicateRequest = "duplicate request"
	MsgInvalidAppKey    = "invalid app key"
	MsgAppDisabled      = "app is disabled"
	MsgAppExpired       = "app has expired"
	MsgIPNotAllowed     = "ip not whitelisted"
	MsgQuotaExhausted   = "quota exhausted"
	MsgInvalidSignature = "invalid signature"
	MsgNotSubscribed    = "api not subscribed"
	MsgNonceStore       = "nonce check failed"
)

// DefaultTolerance is the accepted clock drift between client and gateway.
const DefaultTolerance = 300 * time.Second

const (
	quotaTask          = "quota-increment"
	whitelistCacheSize = 1024
)

// CredentialSource looks up application credentials. It returns an error
// wrapping util.ErrNotFound for unknown keys.
type CredentialSource interface {
	AppCredential(ctx context.Context, appKey string) (*auth.AppCredential, error)
}

// SubscriptionChecker reports whether an app subscribed to an API. apiID
// is preferred; path is used when no route was resolved.
type SubscriptionChecker interface {
	IsSubscribed(ctx context.Context, appID, apiID, path string) bool
}

// Request is the signed part of an inbound call.
type Request struct {
	Method    string
	Path      string
	ClientIP  string
	APIID     string
	AppKey    string
	Timestamp string
	Nonce     string
	Signature string
}

// RequestFromHTTP reads the signature headers. path is the original,
// unrewritten request path; apiID may be empty.
func RequestFromHTTP(r *http.Request, path, apiID string) Request {
	return Request{
		Method:    r.Method,
		Path:      path,
		ClientIP:  util.ClientIP(r),
		APIID:     apiID,
		AppKey:    strings.TrimSpace(r.Header.Get(util.HeaderAppKey)),
		Timestamp: strings.TrimSpace(r.Header.Get(util.HeaderTimestamp)),
		Nonce:     strings.TrimSpace(r.Header.Get(util.HeaderNonce)),
		Signature: strings.TrimSpace(r.Header.Get(util.HeaderSignature)),
	}
}

// missingHeader returns the first absent signature header.
func (r Request) missingHeader() string {
	switch {
	case r.AppKey == "":
		return util.HeaderAppKey
	case r.Timestamp == "":
		return util.HeaderTimestamp
	case r.Nonce == "":
		return util.HeaderNonce
	case r.Signature == "":
		return util.HeaderSignature
	}
	return ""
}

// NonceKey returns the store key that marks a nonce as used.
func NonceKey(appKey, nonce string) string {
	return "nonce:" + appKey + ":" + nonce
}

// QuotaKey returns the store key of an app's daily call counter.
func QuotaKey(appID string) string {
	return "app:quota:" + appID
}

// Verifier authenticates signed requests.
type Verifier struct {
	store         store.Store
	credentials   CredentialSource
	subscriptions SubscriptionChecker
	tolerance     time.Duration
	nonceTTL      time.Duration
	now           func() time.Time
	whitelists    *lru.Cache[string, *Whitelist]
	logger        observability.Logger
	metrics       *observability.Metrics
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithTolerance sets the accepted timestamp drift.
func WithTolerance(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

// WithNonceTTL sets how long a nonce stays used. It defaults to the tolerance.
func WithNonceTTL(d time.Duration) Option {
	return func(v *Verifier) {
		v.nonceTTL = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(v *Verifier) {
		v.metrics = metrics
	}
}

// NewVerifier creates a signature verifier.
func NewVerifier(
	s store.Store,
	credentials CredentialSource,
	subscriptions SubscriptionChecker,
	opts ...Option,
) *Verifier {
	v := &Verifier{
		store:         s,
		credentials:   credentials,
		subscriptions: subscriptions,
		tolerance:     DefaultTolerance,
		now:           time.Now,
		logger:        observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.nonceTTL <= 0 {
		v.nonceTTL = v.tolerance
	}
	// Size is a positive constant, so New cannot fail.
	v.whitelists, _ = lru.New[string, *Whitelist](whitelistCacheSize)
	return v
}

// Verify runs every signature check in order and returns the
// authenticated app. Failures are AuthenticationError (401),
// AuthorizationError (403) or InternalError (500).
func (v *Verifier) Verify(ctx context.Context, req Request) (*auth.AppCredential, error) {
	ctx, span := observability.StartSpan(ctx, "signature.Verify")
	defer span.End()

	app, reason, err := v.verify(ctx, req)
	if err != nil {
		v.metrics.RecordAuthFailure("signature", reason)
		v.logger.Warn("signature authentication failed",
			observability.String("reason", reason),
			observability.String("app_key", req.AppKey),
			observability.String("path", req.Path),
			observability.String("client_ip", req.ClientIP),
			observability.Error(err),
		)
		span.RecordError(err)
		return nil, err
	}

	v.logger.Debug("signature authentication succeeded",
		observability.String("app_id", app.AppID),
		observability.String("api_id", req.APIID),
		observability.String("path", req.Path),
	)
	return app, nil
}

func (v *Verifier) verify(ctx context.Context, req Request) (*auth.AppCredential, string, error) {
	if h := req.missingHeader(); h != "" {
		return nil, "missing_header", util.NewAuthenticationError("missing header "+h, nil)
	}

	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return nil, "timestamp_format", util.NewAuthenticationError(MsgInvalidTimestamp, err)
	}
	if drift := v.now().Unix() - ts; drift > int64(v.tolerance/time.Second) || -drift > int64(v.tolerance/time.Second) {
		return nil, "timestamp_expired", util.NewAuthenticationError(MsgTimestampExpired, nil)
	}

	fresh, err := v.store.SetNX(ctx, NonceKey(req.AppKey, req.Nonce), "1", v.nonceTTL)
	if err != nil {
		return nil, "nonce_store", util.NewInternalError(MsgNonceStore, err)
	}
	if !fresh {
		return nil, "duplicate_nonce", util.NewAuthenticationError(MsgDuplicateRequest, util.ErrDuplicateNonce)
	}

	app, err := v.credentials.AppCredential(ctx, req.AppKey)
	if err != nil || app == nil {
		if err != nil && !errors.Is(err, util.ErrNotFound) {
			v.logger.Warn("app credential lookup failed",
				observability.String("app_key", req.AppKey),
				observability.Error(err),
			)
		}
		return nil, "unknown_app_key", util.NewAuthenticationError(MsgInvalidAppKey, err)
	}
	if !app.IsActive() {
		return nil, "app_disabled", util.NewAuthenticationError(MsgAppDisabled, nil)
	}
	if app.IsExpired(v.now()) {
		return nil, "app_expired", util.NewAuthenticationError(MsgAppExpired, nil)
	}

	if !v.whitelist(app).Allows(req.ClientIP) {
		return nil, "ip_not_allowed", util.NewAuthorizationError(MsgIPNotAllowed, util.ErrIPNotAllowed)
	}

	if !v.withinQuota(ctx, app) {
		return nil, "quota_exhausted", util.NewAuthorizationError(MsgQuotaExhausted, util.ErrQuotaExhausted)
	}

	want := Sign(app.AppSecret, req.Method, req.Path, req.Timestamp, req.Nonce)
	if !Equal(req.Signature, want) {
		return nil, "bad_signature", util.NewAuthenticationError(MsgInvalidSignature, util.ErrSignatureFailed)
	}

	if v.subscriptions != nil && !v.subscriptions.IsSubscribed(ctx, app.AppID, req.APIID, req.Path) {
		return nil, "not_subscribed", util.NewAuthorizationError(MsgNotSubscribed, util.ErrNotSubscribed)
	}

	return app, "", nil
}

// whitelist returns the compiled whitelist of app, compiling it once per
// distinct entry list.
func (v *Verifier) whitelist(app *auth.AppCredential) *Whitelist {
	if len(app.IPWhitelist) == 0 {
		return nil
	}
	key := strings.Join(app.IPWhitelist, ",")
	if w, ok := v.whitelists.Get(key); ok {
		return w
	}

	w, err := CompileWhitelist(app.IPWhitelist)
	if err != nil {
		v.logger.Warn("ip whitelist has invalid entries",
			observability.String("app_id", app.AppID),
			observability.Error(err),
		)
	}
	v.whitelists.Add(key, w)
	return w
}

// withinQuota reports whether the app has calls left today. The registry
// snapshot is a floor for the live counter; store failures allow the call.
func (v *Verifier) withinQuota(ctx context.Context, app *auth.AppCredential) bool {
	if !app.HasQuota() {
		return true
	}

	used := app.QuotaUsed
	raw, err := v.store.Get(ctx, QuotaKey(app.AppID))
	switch {
	case err == nil:
		n, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			v.logger.Warn("quota counter is not a number",
				observability.String("app_id", app.AppID),
				observability.String("value", raw),
			)
			break
		}
		used = max(used, n)
	case store.IsNotFound(err):
	default:
		v.logger.Warn("quota lookup failed, allowing call",
			observability.String("app_id", app.AppID),
			observability.Error(err),
		)
		return true
	}
	return used < app.QuotaLimit
}

// ConsumeQuota counts one call against the app's daily quota in the
// background. A missing counter starts from the registry's QuotaUsed and
// expires at the next local midnight.
func (v *Verifier) ConsumeQuota(app *auth.AppCredential) {
	if app == nil || !app.HasQuota() {
		return
	}
	key := QuotaKey(app.AppID)
	now := v.now()
	resetAt := NextMidnight(now)
	seed := strconv.FormatInt(max(app.QuotaUsed, 0), 10)
	util.Go(v.logger, v.metrics, quotaTask, 0, func(ctx context.Context) error {
		if _, err := v.store.SetNX(ctx, key, seed, resetAt.Sub(now)); err != nil {
			return err
		}
		_, err := v.store.IncrementExpireAt(ctx, key, 1, resetAt)
		return err
	})
}

// NextMidnight returns the start of the day after t in t's location.
func NextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
