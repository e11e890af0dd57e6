// Package lookup provides clients for the remote services the gateway reads
// from: the route catalog, the app/key registry and the tenant registry.
//
// Every client speaks JSON over HTTP and expects the platform envelope
// {code, message, data}. A 404 status, a 404 envelope code or a null data
// field means the entity is absent and is reported as util.ErrNotFound.
//
// Calls go through a per-service circuit breaker, are retried with backoff
// when the failure is transient, and identical concurrent GETs are
// collapsed into one request.
//
// The store-backed wrappers in this package (TenantValidator,
// CredentialCache, SubscriptionCache) put a shared cache in front of the
// registry calls made on the request path and apply the degradation rules
// of each lookup: an unreachable tenant registry validates the tenant, an
// unreachable subscription check denies the call.
package lookup
