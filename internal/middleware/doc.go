// Package middleware provides the gin middleware shared by every gateway
// route: request IDs, panic recovery, tracing, request metrics and body
// size limits. Gateway-specific filters live in package pipeline.
package middleware
