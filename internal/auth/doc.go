// Package auth holds the identities produced by gateway authentication.
//
// Two mechanisms exist and they are mutually exclusive per request:
//   - bearer: locally verified access tokens, yielding a UserContext
//   - signature: HMAC-signed open-API calls, yielding an AppCredential
//
// Both identities travel in the request context; the helpers here attach
// and retrieve them.
package auth
