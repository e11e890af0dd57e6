// Package pipeline assembles the gateway's request filter chain.
//
// The chain is a fixed table of gin handlers, each with a name and an
// order constant:
//
//	path-snapshot -> access-log -> tenant -> route-match -> auth ->
//	rate-limit -> body-cache -> dispatch
//
// Any filter may end the request by aborting with an error envelope. The
// access-log filter wraps everything after it, so it sees the final status
// of every request. Build refuses a table whose orders are not strictly
// increasing.
package pipeline
