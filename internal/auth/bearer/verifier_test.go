package bearer

import (
	"context"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

const testSecret = "intellihub-secret"

func signToken(t *testing.T, secret string, alg jwa.SignatureAlgorithm, exp time.Time, claims map[string]interface{}) string {
	t.Helper()

	builder := jwt.NewBuilder().
		Subject("subject-1").
		IssuedAt(exp.Add(-time.Hour)).
		Expiration(exp)
	for k, v := range claims {
		builder = builder.Claim(k, v)
	}
	tok, err := builder.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(alg, PadSecret(secret)))
	require.NoError(t, err)
	return string(signed)
}

func accessClaims() map[string]interface{} {
	return map[string]interface{}{
		ClaimTokenType: TokenTypeAccess,
		ClaimUserID:    "u-1",
		ClaimUsername:  "alice",
		ClaimTenantID:  "t-1",
		ClaimRoles:     []string{"admin", "dev"},
	}
}

func messageOf(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	ge := util.AsGatewayError(err)
	assert.Equal(t, util.KindAuthentication, ge.Kind)
	return ge.Message
}

// TestPadSecret tests right-padding of short secrets.
func TestPadSecret(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc"+"00000000000000000000000000000", string(PadSecret("abc")))
	assert.Len(t, PadSecret("abc"), MinSecretLength)

	long := "0123456789abcdef0123456789abcdef-long"
	assert.Equal(t, long, string(PadSecret(long)))
}

// TestExtractToken tests Authorization header parsing.
func TestExtractToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		want    string
		wantMsg string
	}{
		{"valid", "Bearer abc.def.ghi", "abc.def.ghi", ""},
		{"case insensitive scheme", "bearer abc", "abc", ""},
		{"missing", "", "", MsgMissingHeader},
		{"basic scheme", "Basic dXNlcg==", "", MsgMissingHeader},
		{"empty token", "Bearer    ", "", MsgEmptyToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractToken(tt.header)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, messageOf(t, err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestNewVerifier_RequiresSecret tests that an empty secret is rejected.
func TestNewVerifier_RequiresSecret(t *testing.T) {
	t.Parallel()

	_, err := NewVerifier("")
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
}

// TestVerifier_Verify tests the success path and every rejection class.
func TestVerifier_Verify(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v, err := NewVerifier(testSecret, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	t.Run("valid access token", func(t *testing.T) {
		token := signToken(t, testSecret, jwa.HS256, now.Add(time.Hour), accessClaims())

		user, err := v.Verify(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, "u-1", user.UserID)
		assert.Equal(t, "alice", user.Username)
		assert.Equal(t, "t-1", user.TenantID)
		assert.Equal(t, []string{"admin", "dev"}, user.Roles)
		assert.Equal(t, "admin,dev", user.RolesHeader())
	})

	t.Run("hs512 accepted", func(t *testing.T) {
		token := signToken(t, testSecret, jwa.HS512, now.Add(time.Hour), accessClaims())
		_, err := v.Verify(context.Background(), token)
		require.NoError(t, err)
	})

	t.Run("subject fallback for user id", func(t *testing.T) {
		claims := accessClaims()
		delete(claims, ClaimUserID)
		token := signToken(t, testSecret, jwa.HS256, now.Add(time.Hour), claims)

		user, err := v.Verify(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, "subject-1", user.UserID)
	})

	t.Run("expired", func(t *testing.T) {
		token := signToken(t, testSecret, jwa.HS256, now.Add(-time.Minute), accessClaims())
		_, err := v.Verify(context.Background(), token)
		assert.Equal(t, MsgExpired, messageOf(t, err))
		assert.ErrorIs(t, err, util.ErrTokenExpired)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signToken(t, "another-secret", jwa.HS256, now.Add(time.Hour), accessClaims())
		_, err := v.Verify(context.Background(), token)
		assert.Equal(t, MsgInvalid, messageOf(t, err))
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := v.Verify(context.Background(), "not-a-jwt")
		assert.Equal(t, MsgInvalid, messageOf(t, err))
	})

	t.Run("refresh token type", func(t *testing.T) {
		claims := accessClaims()
		claims[ClaimTokenType] = "refresh"
		token := signToken(t, testSecret, jwa.HS256, now.Add(time.Hour), claims)

		_, err := v.Verify(context.Background(), token)
		assert.Equal(t, MsgInvalid, messageOf(t, err))
	})

	t.Run("missing token type", func(t *testing.T) {
		claims := accessClaims()
		delete(claims, ClaimTokenType)
		token := signToken(t, testSecret, jwa.HS256, now.Add(time.Hour), claims)

		_, err := v.Verify(context.Background(), token)
		assert.Equal(t, MsgInvalid, messageOf(t, err))
	})

	t.Run("malformed roles claim", func(t *testing.T) {
		claims := accessClaims()
		claims[ClaimRoles] = 42
		token := signToken(t, testSecret, jwa.HS256, now.Add(time.Hour), claims)

		_, err := v.Verify(context.Background(), token)
		assert.Equal(t, MsgFailed, messageOf(t, err))
	})
}

// TestVerifier_Issuer tests issuer enforcement.
func TestVerifier_Issuer(t *testing.T) {
	t.Parallel()

	now := time.Now()
	v, err := NewVerifier(testSecret, WithIssuer("intellihub-iam"))
	require.NoError(t, err)

	token := signToken(t, testSecret, jwa.HS256, now.Add(time.Hour), accessClaims())
	_, err = v.Verify(context.Background(), token)
	assert.Equal(t, MsgInvalid, messageOf(t, err))

	claims := accessClaims()
	claims["iss"] = "intellihub-iam"
	token = signToken(t, testSecret, jwa.HS256, now.Add(time.Hour), claims)
	_, err = v.Verify(context.Background(), token)
	require.NoError(t, err)
}

// TestVerifier_VerifyHeader tests header extraction and failure metrics.
func TestVerifier_VerifyHeader(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics("test")
	v, err := NewVerifier(testSecret, WithMetrics(metrics), WithLogger(observability.NopLogger()))
	require.NoError(t, err)

	token := signToken(t, testSecret, jwa.HS256, time.Now().Add(time.Hour), accessClaims())
	user, err := v.VerifyHeader(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", user.UserID)

	_, err = v.VerifyHeader(context.Background(), "")
	require.Error(t, err)
	_, err = v.VerifyHeader(context.Background(), "Bearer garbage")
	require.Error(t, err)

	count, err := testutil.GatherAndCount(metrics.Registry(), "test_auth_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
