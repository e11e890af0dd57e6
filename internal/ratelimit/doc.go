// Package ratelimit implements fixed-window request limiting.
//
// A request is counted once per enabled dimension (client IP, path, and
// the pair of both) in a shared store, so every gateway instance sees the
// same counters. The window starts with the first request of a key and the
// counter expires with it. Per-path rules override the default limit, the
// first matching rule wins.
//
// Routes may additionally carry their own queries-per-second ceiling,
// enforced in process with a token bucket per API.
package ratelimit
