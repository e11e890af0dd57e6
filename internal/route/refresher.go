package route

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vyrodovalexey/openapigw/internal/observability"
)

// DefaultRefreshSchedule reloads every published route periodically.
const DefaultRefreshSchedule = "@every 10m"

// Refresher runs RefreshAll on a cron schedule.
type Refresher struct {
	cron    *cron.Cron
	timeout time.Duration
}

// NewRefresher schedules full refreshes of resolver. schedule accepts
// standard cron expressions and descriptors such as "@every 10m".
func NewRefresher(resolver *Resolver, schedule string, timeout time.Duration, logger observability.Logger) (*Refresher, error) {
	if schedule == "" {
		schedule = DefaultRefreshSchedule
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	r := &Refresher{cron: cron.New(), timeout: timeout}
	_, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if _, err := resolver.RefreshAll(ctx); err != nil {
			logger.Warn("scheduled route refresh failed", observability.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins the schedule.
func (r *Refresher) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running refresh.
func (r *Refresher) Stop(ctx context.Context) error {
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
