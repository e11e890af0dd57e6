// Package util provides shared error types, the response envelope and
// background task helpers for the gateway.
//
// # Error Conventions
//
//   - Sentinel errors (errors.New) for stable conditions checked with
//     errors.Is, for example ErrDuplicateNonce.
//   - Structured error types carrying a kind and a user-facing message
//     (AuthenticationError, AuthorizationError, ...). Each implements
//     Error(), Unwrap() and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping.
//
// StatusFromError maps any error to the HTTP status of its kind; unknown
// errors map to 500.
//
// # Envelope
//
// Every gateway-originated response body is
//
//	{"code": 401, "message": "missing header X-Nonce", "data": null}
//
// # Background Tasks
//
// Go runs fire-and-forget work with its own timeout. Failures are logged
// and counted, never returned to the request path:
//
//	util.Go(logger, metrics, "quota_increment", time.Second, func(ctx context.Context) error {
//	    _, err := store.Incr(ctx, key)
//	    return err
//	})
package util
