package calllog

import (
	"context"

	"github.com/vyrodovalexey/openapigw/internal/observability"
)

// LogSink writes records to a logger. It serves single-instance
// deployments that run without Redis.
type LogSink struct {
	logger observability.Logger
}

// NewLogSink creates a sink over logger.
func NewLogSink(logger observability.Logger) *LogSink {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogSink{logger: logger}
}

// Write logs rec at info level.
func (s *LogSink) Write(_ context.Context, rec Record) error {
	s.logger.Info("call record",
		observability.String("id", rec.ID),
		observability.String("request_id", rec.RequestID),
		observability.String("tenant_id", rec.TenantID),
		observability.String("api_id", rec.APIID),
		observability.String("method", rec.APIMethod),
		observability.String("path", rec.APIPath),
		observability.String("app_id", rec.AppID),
		observability.String("client_ip", rec.ClientIP),
		observability.Int("status", rec.StatusCode),
		observability.Bool("success", rec.Success),
		observability.Int64("latency_ms", rec.Latency),
		observability.String("error", rec.ErrorMessage),
	)
	return nil
}
