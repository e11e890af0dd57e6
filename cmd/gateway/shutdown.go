package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/openapigw/internal/observability"
)

// waitForShutdown blocks until SIGINT, SIGTERM or ctx cancellation and
// then shuts the gateway down.
func (a *application) waitForShutdown(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	a.logger.Info("received shutdown signal")

	timeout := a.config.Server.ShutdownTimeout.OrDefault(30 * time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Error("failed to stop config watcher", observability.Error(err))
		}
	}

	// Drain in-flight requests before their collaborators go away.
	if a.server != nil && a.server.IsRunning() {
		if err := a.server.Stop(shutdownCtx); err != nil {
			a.logger.Error("failed to stop server gracefully", observability.Error(err))
		}
	}

	a.release(shutdownCtx)
	a.logger.Info("gateway stopped")
	return nil
}

// release stops background jobs and closes shared clients. It tolerates
// a partially initialized application.
func (a *application) release(ctx context.Context) {
	if a.refresher != nil {
		if err := a.refresher.Stop(ctx); err != nil {
			a.logger.Error("failed to stop route refresher", observability.Error(err))
		}
	}
	if a.listener != nil {
		if err := a.listener.Stop(); err != nil {
			a.logger.Error("failed to stop route change listener", observability.Error(err))
		}
	}
	if a.retention != nil {
		if err := a.retention.Stop(ctx); err != nil {
			a.logger.Error("failed to stop call log retention", observability.Error(err))
		}
	}

	// The reporter writes through the store, so it drains first.
	if a.reporter != nil {
		if err := a.reporter.Close(ctx); err != nil {
			a.logger.Error("failed to drain call log reporter", observability.Error(err))
		}
	}
	if a.invoker != nil {
		if err := a.invoker.Close(); err != nil {
			a.logger.Error("failed to close rpc invoker", observability.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("failed to close store", observability.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to shutdown tracer", observability.Error(err))
		}
	}
}
