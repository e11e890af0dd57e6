package util

import (
	"context"
	"fmt"
	"time"

	"github.com/vyrodovalexey/openapigw/internal/observability"
)

// DefaultBackgroundTimeout bounds fire-and-forget tasks that do not set one.
const DefaultBackgroundTimeout = 3 * time.Second

// Go runs fn on its own goroutine, detached from the request context.
// Errors and panics are logged and counted; the caller never waits.
func Go(
	logger observability.Logger,
	metrics *observability.Metrics,
	task string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) {
	if logger == nil {
		logger = observability.L()
	}
	if timeout <= 0 {
		timeout = DefaultBackgroundTimeout
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				metrics.RecordBackgroundError(task)
				logger.Error("background task panicked",
					observability.String("task", task),
					observability.String("panic", fmt.Sprint(r)),
				)
			}
		}()

		if err := fn(ctx); err != nil {
			metrics.RecordBackgroundError(task)
			logger.Warn("background task failed",
				observability.String("task", task),
				observability.Error(err),
			)
		}
	}()
}
