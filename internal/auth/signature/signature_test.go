package signature

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/openapigw/internal/auth"
	"github.com/vyrodovalexey/openapigw/internal/store"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

const (
	testAppKey    = "ak-123"
	testAppSecret = "s3cr3t"
	testPath      = "/open/api/users"
)

type fakeCredentials struct {
	apps map[string]*auth.AppCredential
	err  error
}

func (f *fakeCredentials) AppCredential(_ context.Context, appKey string) (*auth.AppCredential, error) {
	if f.err != nil {
		return nil, f.err
	}
	app, ok := f.apps[appKey]
	if !ok {
		return nil, fmt.Errorf("app key %s: %w", appKey, util.ErrNotFound)
	}
	cp := *app
	return &cp, nil
}

type fakeSubscriptions struct {
	mu      sync.Mutex
	allowed map[string]bool
	calls   []string
}

func (f *fakeSubscriptions) IsSubscribed(_ context.Context, appID, apiID, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := apiID
	if target == "" {
		target = path
	}
	f.calls = append(f.calls, appID+":"+target)
	return f.allowed[appID+":"+target]
}

type fixture struct {
	verifier *Verifier
	mr       *miniredis.Miniredis
	creds    *fakeCredentials
	subs     *fakeSubscriptions
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStoreFromClient(client, "")
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		mr:  mr,
		now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.Local),
		creds: &fakeCredentials{apps: map[string]*auth.AppCredential{
			testAppKey: {
				AppID:     "app-1",
				TenantID:  "t-1",
				AppKey:    testAppKey,
				AppSecret: testAppSecret,
				Status:    auth.AppStatusActive,
			},
		}},
		subs: &fakeSubscriptions{allowed: map[string]bool{
			"app-1:api-1":       true,
			"app-1:" + testPath: true,
		}},
	}
	f.verifier = NewVerifier(s, f.creds, f.subs, WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) signed(nonce string) Request {
	ts := strconv.FormatInt(f.now.Unix(), 10)
	return Request{
		Method:    http.MethodGet,
		Path:      testPath,
		ClientIP:  "192.168.1.10",
		APIID:     "api-1",
		AppKey:    testAppKey,
		Timestamp: ts,
		Nonce:     nonce,
		Signature: Sign(testAppSecret, http.MethodGet, testPath, ts, nonce),
	}
}

func (f *fixture) app() *auth.AppCredential {
	return f.creds.apps[testAppKey]
}

func requireGatewayError(t *testing.T, err error, kind util.Kind, message string) {
	t.Helper()
	require.Error(t, err)
	ge := util.AsGatewayError(err)
	assert.Equal(t, kind, ge.Kind)
	assert.Equal(t, message, ge.Message)
}

// TestSign tests the canonical string and a known HMAC value.
func TestSign(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "GET\n/open/x\n1700000000\nabc", CanonicalString("get", "/open/x", "1700000000", "abc"))

	sig := Sign("key", "GET", "/open/x", "1700000000", "abc")
	assert.Equal(t, "lMlT8xYeX1Pe1fWQ45LHWE/ba+dYqQu/NMKIuiJGKBE=", sig)
	assert.NotEqual(t, sig, Sign("other", "GET", "/open/x", "1700000000", "abc"))
	assert.True(t, Equal(sig, sig))
	assert.False(t, Equal(sig, sig[:len(sig)-1]))
}

// TestWhitelist_Allows tests exact, CIDR and wildcard entries.
func TestWhitelist_Allows(t *testing.T) {
	t.Parallel()

	w, err := CompileWhitelist([]string{"10.0.0.1", "192.168.1.0/24", "172.16.*.*", "10.*.3.4", "localhost"})
	require.NoError(t, err)

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.1", true},
		{"10.0.0.2", false},
		{"192.168.1.200", true},
		{"192.168.2.1", false},
		{"172.16.0.1", true},
		{"172.16.255.255", true},
		{"172.17.0.1", false},
		{"10.99.3.4", true},
		{"10.99.3.5", false},
		{"localhost", true},
		{"", false},
		{"::ffff:10.0.0.1", true},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.want, w.Allows(tt.ip))
		})
	}
}

// TestWhitelist_EmptyAndInvalid tests allow-all and invalid entry reporting.
func TestWhitelist_EmptyAndInvalid(t *testing.T) {
	t.Parallel()

	var nilList *Whitelist
	assert.True(t, nilList.Allows("1.2.3.4"))

	empty, err := CompileWhitelist([]string{" ", ""})
	require.NoError(t, err)
	assert.True(t, empty.Allows("1.2.3.4"))

	star, err := CompileWhitelist([]string{"*"})
	require.NoError(t, err)
	assert.True(t, star.Allows("8.8.8.8"))

	partial, err := CompileWhitelist([]string{"10.0.0.0/99", "10.0.0.7"})
	assert.ErrorIs(t, err, ErrInvalidWhitelistEntry)
	assert.True(t, partial.Allows("10.0.0.7"))
	assert.False(t, partial.Allows("10.0.0.8"))

	assert.Equal(t, []string{"1.1.1.1", "2.2.2.0/24"}, ParseWhitelist(" 1.1.1.1 , ,2.2.2.0/24"))
	assert.Nil(t, ParseWhitelist("  "))
}

// TestVerifier_Success tests a valid signed request.
func TestVerifier_Success(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	app, err := f.verifier.Verify(context.Background(), f.signed("n-1"))
	require.NoError(t, err)
	assert.Equal(t, "app-1", app.AppID)
	assert.Equal(t, "t-1", app.TenantID)
	assert.Equal(t, []string{"app-1:api-1"}, f.subs.calls)
	assert.True(t, f.mr.Exists(NonceKey(testAppKey, "n-1")))
}

// TestVerifier_NonceSingleUse tests that a nonce is accepted once per window.
func TestVerifier_NonceSingleUse(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.verifier.Verify(context.Background(), f.signed("n-1"))
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), f.signed("n-1"))
	requireGatewayError(t, err, util.KindAuthentication, MsgDuplicateRequest)
	assert.ErrorIs(t, err, util.ErrDuplicateNonce)

	f.mr.FastForward(DefaultTolerance + time.Second)
	_, err = f.verifier.Verify(context.Background(), f.signed("n-1"))
	require.NoError(t, err)
}

// TestVerifier_Timestamp tests the tolerance window boundaries.
func TestVerifier_Timestamp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	at := func(nonce string, offset time.Duration) Request {
		req := f.signed(nonce)
		req.Timestamp = strconv.FormatInt(f.now.Add(offset).Unix(), 10)
		req.Signature = Sign(testAppSecret, req.Method, req.Path, req.Timestamp, req.Nonce)
		return req
	}

	_, err := f.verifier.Verify(context.Background(), at("edge-past", -DefaultTolerance))
	require.NoError(t, err)
	_, err = f.verifier.Verify(context.Background(), at("edge-future", DefaultTolerance))
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), at("too-old", -DefaultTolerance-time.Second))
	requireGatewayError(t, err, util.KindAuthentication, MsgTimestampExpired)
	_, err = f.verifier.Verify(context.Background(), at("too-new", DefaultTolerance+time.Second))
	requireGatewayError(t, err, util.KindAuthentication, MsgTimestampExpired)

	req := f.signed("bad-format")
	req.Timestamp = "yesterday"
	_, err = f.verifier.Verify(context.Background(), req)
	requireGatewayError(t, err, util.KindAuthentication, MsgInvalidTimestamp)
}

// TestVerifier_MissingHeaders tests that the first missing header is named.
func TestVerifier_MissingHeaders(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*Request)
		header string
	}{
		{"app key", func(r *Request) { r.AppKey = "" }, util.HeaderAppKey},
		{"timestamp", func(r *Request) { r.Timestamp = "" }, util.HeaderTimestamp},
		{"nonce", func(r *Request) { r.Nonce = "" }, util.HeaderNonce},
		{"signature", func(r *Request) { r.Signature = "" }, util.HeaderSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.signed("missing-" + tt.name)
			tt.mutate(&req)
			_, err := f.verifier.Verify(context.Background(), req)
			requireGatewayError(t, err, util.KindAuthentication, "missing header "+tt.header)
		})
	}
}

// TestVerifier_CredentialChecks tests unknown, disabled and expired apps.
func TestVerifier_CredentialChecks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	req := f.signed("unknown")
	req.AppKey = "nope"
	_, err := f.verifier.Verify(context.Background(), req)
	requireGatewayError(t, err, util.KindAuthentication, MsgInvalidAppKey)

	f.app().Status = auth.AppStatusDisabled
	_, err = f.verifier.Verify(context.Background(), f.signed("disabled"))
	requireGatewayError(t, err, util.KindAuthentication, MsgAppDisabled)

	f.app().Status = auth.AppStatusActive
	f.app().ExpireTime = f.now.Add(-time.Second).UnixMilli()
	_, err = f.verifier.Verify(context.Background(), f.signed("expired"))
	requireGatewayError(t, err, util.KindAuthentication, MsgAppExpired)

	f.app().ExpireTime = f.now.Add(time.Hour).UnixMilli()
	_, err = f.verifier.Verify(context.Background(), f.signed("later"))
	require.NoError(t, err)
}

// TestVerifier_IPWhitelist tests whitelist enforcement.
func TestVerifier_IPWhitelist(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.app().IPWhitelist = []string{"10.0.0.0/8"}

	_, err := f.verifier.Verify(context.Background(), f.signed("outside"))
	requireGatewayError(t, err, util.KindAuthorization, MsgIPNotAllowed)

	req := f.signed("inside")
	req.ClientIP = "10.1.2.3"
	_, err = f.verifier.Verify(context.Background(), req)
	require.NoError(t, err)
}

// TestVerifier_Quota tests the daily quota boundary.
func TestVerifier_Quota(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.app().QuotaLimit = 100

	f.app().QuotaUsed = 99
	_, err := f.verifier.Verify(context.Background(), f.signed("q-99"))
	require.NoError(t, err)

	f.app().QuotaUsed = 100
	_, err = f.verifier.Verify(context.Background(), f.signed("q-100"))
	requireGatewayError(t, err, util.KindAuthorization, MsgQuotaExhausted)

	// A counter behind the registry snapshot does not grant extra calls.
	require.NoError(t, f.mr.Set(QuotaKey("app-1"), "5"))
	_, err = f.verifier.Verify(context.Background(), f.signed("q-stale"))
	requireGatewayError(t, err, util.KindAuthorization, MsgQuotaExhausted)

	// A counter ahead of the snapshot wins.
	f.app().QuotaUsed = 10
	require.NoError(t, f.mr.Set(QuotaKey("app-1"), "100"))
	_, err = f.verifier.Verify(context.Background(), f.signed("q-live"))
	requireGatewayError(t, err, util.KindAuthorization, MsgQuotaExhausted)
}

// TestVerifier_ConsumeQuotaSeedsFromRegistry tests that the first counted
// call continues from the registry's usage rather than from zero.
func TestVerifier_ConsumeQuotaSeedsFromRegistry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.now = time.Now()
	app := f.app()
	app.QuotaLimit = 100
	app.QuotaUsed = 99

	_, err := f.verifier.Verify(context.Background(), f.signed("seed-1"))
	require.NoError(t, err)
	f.verifier.ConsumeQuota(app)

	require.Eventually(t, func() bool {
		v, err := f.mr.Get(QuotaKey(app.AppID))
		return err == nil && v == "100"
	}, 2*time.Second, 10*time.Millisecond)

	_, err = f.verifier.Verify(context.Background(), f.signed("seed-2"))
	requireGatewayError(t, err, util.KindAuthorization, MsgQuotaExhausted)
}

// TestVerifier_SignatureMismatch tests a tampered signature.
func TestVerifier_SignatureMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := f.signed("tampered")
	req.Path = "/open/api/admin"

	_, err := f.verifier.Verify(context.Background(), req)
	requireGatewayError(t, err, util.KindAuthentication, MsgInvalidSignature)
	assert.ErrorIs(t, err, util.ErrSignatureFailed)
}

// TestVerifier_Subscription tests apiId and path subscription checks.
func TestVerifier_Subscription(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	req := f.signed("by-path")
	req.APIID = ""
	_, err := f.verifier.Verify(context.Background(), req)
	require.NoError(t, err)

	req = f.signed("other-api")
	req.APIID = "api-2"
	_, err = f.verifier.Verify(context.Background(), req)
	requireGatewayError(t, err, util.KindAuthorization, MsgNotSubscribed)

	assert.Equal(t, []string{"app-1:" + testPath, "app-1:api-2"}, f.subs.calls)
}

// TestVerifier_ConsumeQuota tests the background counter and its midnight expiry.
func TestVerifier_ConsumeQuota(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.now = time.Now()
	app := f.app()

	f.verifier.ConsumeQuota(app)
	assert.False(t, f.mr.Exists(QuotaKey(app.AppID)), "no quota means no counter")

	app.QuotaLimit = 10
	f.verifier.ConsumeQuota(app)
	f.verifier.ConsumeQuota(app)

	require.Eventually(t, func() bool {
		v, err := f.mr.Get(QuotaKey(app.AppID))
		return err == nil && v == "2"
	}, 2*time.Second, 10*time.Millisecond)

	ttl := f.mr.TTL(QuotaKey(app.AppID))
	assert.Positive(t, ttl)
	assert.LessOrEqual(t, ttl, 24*time.Hour)
}

// TestNextMidnight tests the daily reset instant.
func TestNextMidnight(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+8", 8*3600)
	got := NextMidnight(time.Date(2026, 12, 31, 23, 59, 0, 0, loc))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, loc), got)
}

// TestRequestFromHTTP tests header extraction.
func TestRequestFromHTTP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/open/api/x?y=1", nil)
	r.Header.Set(util.HeaderAppKey, " ak ")
	r.Header.Set(util.HeaderTimestamp, "1")
	r.Header.Set(util.HeaderNonce, "n")
	r.Header.Set(util.HeaderSignature, "sig")
	r.Header.Set(util.HeaderForwardedFor, "9.9.9.9")

	req := RequestFromHTTP(r, "/open/api/x", "api-9")
	assert.Equal(t, Request{
		Method:    http.MethodPost,
		Path:      "/open/api/x",
		ClientIP:  "9.9.9.9",
		APIID:     "api-9",
		AppKey:    "ak",
		Timestamp: "1",
		Nonce:     "n",
		Signature: "sig",
	}, req)
}
