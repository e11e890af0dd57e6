// Package bearer verifies gateway access tokens locally.
//
// Tokens are HMAC-signed JWTs issued by the IAM service. The gateway holds
// the shared secret and never calls the issuer on the request path.
package bearer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/openapigw/internal/auth"
	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

// Claim names carried by access tokens.
const (
	ClaimTokenType = "tokenType"
	ClaimUserID    = "userId"
	ClaimUsername  = "username"
	ClaimTenantID  = "tenantId"
	ClaimRoles     = "roles"

	// TokenTypeAccess is the only token type accepted on requests.
	TokenTypeAccess = "access"

	// MinSecretLength is the length the secret is padded to.
	MinSecretLength = 32
)

// User-facing failure messages.
const (
	MsgMissingHeader = "missing or malformed Authorization header"
	MsgEmptyToken    = "token is empty"
	MsgExpired       = "token expired"
	MsgInvalid       = "invalid token"
	MsgFailed        = "authentication failed"
)

var allowedAlgorithms = []jwa.SignatureAlgorithm{jwa.HS256, jwa.HS384, jwa.HS512}

var errClaimType = errors.New("unexpected claim type")

// Verifier validates bearer tokens against a shared HMAC secret.
type Verifier struct {
	key     []byte
	issuer  string
	skew    time.Duration
	clock   func() time.Time
	logger  observability.Logger
	metrics *observability.Metrics
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithIssuer requires the iss claim to match.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) {
		v.issuer = issuer
	}
}

// WithAcceptableSkew tolerates clock drift when checking exp and nbf.
func WithAcceptableSkew(skew time.Duration) Option {
	return func(v *Verifier) {
		v.skew = skew
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(v *Verifier) {
		v.clock = clock
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

// WithMetrics sets the metrics sink for failures.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(v *Verifier) {
		v.metrics = metrics
	}
}

// NewVerifier creates a verifier for secret. Secrets shorter than
// MinSecretLength are right-padded with '0'.
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	if secret == "" {
		return nil, util.NewConfigError("jwt.secret", "is required")
	}

	v := &Verifier{
		key:    PadSecret(secret),
		clock:  time.Now,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// PadSecret right-pads secret with '0' to MinSecretLength bytes.
func PadSecret(secret string) []byte {
	if len(secret) >= MinSecretLength {
		return []byte(secret)
	}
	return []byte(secret + strings.Repeat("0", MinSecretLength-len(secret)))
}

// ExtractToken returns the token of a "Bearer <token>" header value.
func ExtractToken(header string) (string, error) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", util.NewAuthenticationError(MsgMissingHeader, nil)
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", util.NewAuthenticationError(MsgEmptyToken, nil)
	}
	return token, nil
}

// VerifyHeader extracts and verifies the token in an Authorization header.
func (v *Verifier) VerifyHeader(ctx context.Context, header string) (*auth.UserContext, error) {
	token, err := ExtractToken(header)
	if err != nil {
		v.metrics.RecordAuthFailure("bearer", "missing_token")
		return nil, err
	}
	return v.Verify(ctx, token)
}

// Verify checks the signature, expiry and token type and returns the user.
// Errors are AuthenticationErrors carrying the user-facing message.
func (v *Verifier) Verify(ctx context.Context, token string) (*auth.UserContext, error) {
	_, span := observability.StartSpan(ctx, "bearer.Verify")
	defer span.End()

	user, reason, err := v.verify(token)
	if err != nil {
		v.metrics.RecordAuthFailure("bearer", reason)
		v.logger.Debug("bearer token rejected",
			observability.String("reason", reason),
			observability.Error(err),
		)
		span.RecordError(err)
		return nil, err
	}
	return user, nil
}

func (v *Verifier) verify(token string) (*auth.UserContext, string, error) {
	alg, err := headerAlgorithm(token)
	if err != nil {
		return nil, "malformed", util.NewAuthenticationError(MsgInvalid, err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKey(alg, v.key),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(v.clock)),
		jwt.WithAcceptableSkew(v.skew),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	tok, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, "expired", util.NewAuthenticationError(MsgExpired, util.ErrTokenExpired)
		}
		return nil, "invalid", util.NewAuthenticationError(MsgInvalid, fmt.Errorf("%w: %w", util.ErrTokenInvalid, err))
	}

	claims := tok.PrivateClaims()
	if tokenType, _ := claims[ClaimTokenType].(string); tokenType != TokenTypeAccess {
		return nil, "token_type", util.NewAuthenticationError(MsgInvalid,
			fmt.Errorf("%w: token type %q", util.ErrTokenInvalid, tokenType))
	}

	user, err := userFromClaims(tok.Subject(), claims)
	if err != nil {
		return nil, "claims", util.NewAuthenticationError(MsgFailed, err)
	}
	return user, "", nil
}

func headerAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return "", err
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return "", fmt.Errorf("expected one signature, got %d", len(sigs))
	}
	alg := sigs[0].ProtectedHeaders().Algorithm()
	if !slices.Contains(allowedAlgorithms, alg) {
		return "", fmt.Errorf("unsupported algorithm %q", alg)
	}
	return alg, nil
}

func userFromClaims(subject string, claims map[string]interface{}) (*auth.UserContext, error) {
	user := &auth.UserContext{}

	var err error
	if user.UserID, err = stringClaim(claims, ClaimUserID); err != nil {
		return nil, err
	}
	if user.UserID == "" {
		user.UserID = subject
	}
	if user.Username, err = stringClaim(claims, ClaimUsername); err != nil {
		return nil, err
	}
	if user.TenantID, err = stringClaim(claims, ClaimTenantID); err != nil {
		return nil, err
	}

	switch roles := claims[ClaimRoles].(type) {
	case nil:
	case []string:
		user.Roles = roles
	case []interface{}:
		user.Roles = make([]string, 0, len(roles))
		for _, r := range roles {
			s, ok := r.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s", errClaimType, ClaimRoles)
			}
			user.Roles = append(user.Roles, s)
		}
	default:
		return nil, fmt.Errorf("%w: %s", errClaimType, ClaimRoles)
	}
	return user, nil
}

func stringClaim(claims map[string]interface{}, name string) (string, error) {
	switch v := claims[name].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %s", errClaimType, name)
	}
}
