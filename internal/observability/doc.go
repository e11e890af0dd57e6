// Package observability provides logging, metrics, and tracing
// functionality for the gateway.
//
// # Logging
//
// The Logger interface wraps zap. File output is rotated by lumberjack:
//
//	logger, err := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "/var/log/openapigw/gateway.log",
//	})
//
// # Metrics
//
// Metrics owns a private Prometheus registry. Every recording method is
// safe on a nil receiver, so components may be built without metrics in
// tests:
//
//	metrics := observability.NewMetrics("gateway")
//	router.GET("/metrics", gin.WrapH(metrics.Handler()))
//
// # Tracing
//
// Tracer wraps an OpenTelemetry provider with an optional OTLP gRPC
// exporter. When disabled it still returns no-op spans.
package observability
