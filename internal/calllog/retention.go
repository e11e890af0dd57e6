package calllog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/vyrodovalexey/openapigw/internal/observability"
)

// Retention defaults.
const (
	DefaultRetentionSchedule = "@hourly"
	DefaultRetainPerHour     = 10000
	RetentionLockKey         = "lock:calllog:retention"
)

const hourKeyPattern = "stats:api:*:hour:*"

// Retention trims hourly latency lists to the newest entries. A redsync
// lock keeps concurrent gateway instances from trimming at once.
type Retention struct {
	client  *redis.Client
	rs      *redsync.Redsync
	retain  int64
	lockTTL time.Duration
	cron    *cron.Cron
	logger  observability.Logger
}

// NewRetention schedules trimming. retain is the number of entries kept
// per list.
func NewRetention(client *redis.Client, schedule string, retain int, logger observability.Logger) (*Retention, error) {
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	if retain <= 0 {
		retain = DefaultRetainPerHour
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	r := &Retention{
		client:  client,
		rs:      redsync.New(goredis.NewPool(client)),
		retain:  int64(retain),
		lockTTL: 5 * time.Minute,
		cron:    cron.New(),
		logger:  logger,
	}

	if _, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.lockTTL)
		defer cancel()
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Warn("call log retention failed", observability.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return r, nil
}

// RunOnce trims every hourly list and returns how many lists it visited.
// It returns zero without error when another instance holds the lock.
func (r *Retention) RunOnce(ctx context.Context) (int, error) {
	mutex := r.rs.NewMutex(RetentionLockKey, redsync.WithExpiry(r.lockTTL), redsync.WithTries(1))
	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			r.logger.Debug("call log retention skipped, lock held elsewhere")
			return 0, nil
		}
		return 0, fmt.Errorf("failed to acquire retention lock: %w", err)
	}
	defer func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("failed to release retention lock", observability.Error(err))
		}
	}()

	visited := 0
	iter := r.client.Scan(ctx, 0, hourKeyPattern, 500).Iterator()
	for iter.Next(ctx) {
		if err := r.client.LTrim(ctx, iter.Val(), -r.retain, -1).Err(); err != nil {
			return visited, fmt.Errorf("failed to trim %s: %w", iter.Val(), err)
		}
		visited++
	}
	if err := iter.Err(); err != nil {
		return visited, fmt.Errorf("failed to scan hourly lists: %w", err)
	}

	r.logger.Debug("call log retention finished", observability.Int("lists", visited))
	return visited, nil
}

// Start begins the schedule.
func (r *Retention) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running job.
func (r *Retention) Stop(ctx context.Context) error {
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
