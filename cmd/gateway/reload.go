package main

import (
	"context"
	"slices"

	"github.com/vyrodovalexey/openapigw/internal/config"
	"github.com/vyrodovalexey/openapigw/internal/observability"
)

// Sections applied without a restart. Every other change is logged and
// takes effect on the next start.
var hotSections = []string{"Logging", "RateLimit", "Route", "AppKey", "Tenant", "Whitelist", "Dispatch"}

// startWatcher watches the configuration file. A watcher that fails to
// start leaves the gateway running on the loaded configuration.
func (a *application) startWatcher(ctx context.Context, path string) *config.Watcher {
	w, err := config.NewWatcher(path, a.config, a.reload,
		config.WithLogger(a.logger),
		config.WithErrorCallback(func(error) {
			a.metrics.RecordBackgroundError("config_reload")
		}),
	)
	if err != nil {
		a.logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}
	if err := w.Start(ctx); err != nil {
		a.logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}
	return w
}

// reload applies a validated configuration change.
func (a *application) reload(previous, current *config.GatewayConfig) {
	if a.overrides != nil {
		a.overrides(current)
	}

	changed := config.ChangedSections(previous, current)
	if len(changed) == 0 {
		return
	}

	for _, section := range changed {
		if !slices.Contains(hotSections, section) {
			a.logger.Warn("configuration change requires a restart",
				observability.String("section", section))
		}
	}

	if slices.Contains(changed, "Logging") {
		if err := observability.SetLevel(a.logger, current.Logging.Level); err != nil {
			a.logger.Error("failed to apply log level", observability.Error(err))
		}
	}

	if slices.Contains(changed, "RateLimit") && a.limiter != nil {
		if err := a.limiter.Update(current.RateLimit); err != nil {
			a.logger.Error("failed to apply rate limit configuration", observability.Error(err))
		}
	}

	if slices.ContainsFunc(changed, func(s string) bool {
		return s == "Route" || s == "AppKey" || s == "Tenant" || s == "Whitelist"
	}) {
		if err := a.pipeline.Reload(current); err != nil {
			a.logger.Error("failed to apply pipeline configuration", observability.Error(err))
		}
	}

	if slices.Contains(changed, "Dispatch") {
		a.services.SetServices(current.Dispatch.Services)
	}

	a.config = current
	a.logger.Info("configuration applied", observability.Strings("sections", changed))
}
