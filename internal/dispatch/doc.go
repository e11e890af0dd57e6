// Package dispatch delivers a resolved open-API request to its backend.
//
// A Dispatcher answers from the route's mock body when one is enabled,
// from the response cache for cacheable GET routes, and otherwise forwards
// the request:
//
//   - HTTP backends are reached through a Forwarder. Bare service names are
//     resolved round-robin over configured instances.
//   - RPC backends are invoked generically by an Invoker over gRPC. The
//     request parameters are collected by ordered extractors and shaped
//     into a single argument by the first matching strategy.
//
// Every failure is a *util.GatewayError carrying the status to respond
// with.
package dispatch
