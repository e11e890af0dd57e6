package calllog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel records are published on.
const DefaultChannel = "channel:call:log"

// Key TTLs.
const (
	QPSKeyTTL  = 120 * time.Second
	HourKeyTTL = 25 * time.Hour
)

// Stats hash fields.
const (
	FieldTotal      = "totalCount"
	FieldSuccess    = "successCount"
	FieldFail       = "failCount"
	FieldLatencySum = "latencySum"
)

// StatsKey is the counter hash of an API.
func StatsKey(apiID string) string {
	return "stats:api:" + apiID
}

// QPSKey counts the calls of an API in the minute of t.
func QPSKey(apiID string, t time.Time) string {
	return StatsKey(apiID) + ":qps:" + t.Format("200601021504")
}

// HourKey lists the latencies of an API in the hour of t.
func HourKey(apiID string, t time.Time) string {
	return StatsKey(apiID) + ":hour:" + t.Format("2006010215")
}

// RedisSink writes statistics to Redis and publishes each record.
type RedisSink struct {
	client  *redis.Client
	channel string
	now     func() time.Time
}

// NewRedisSink creates a sink. An empty channel uses DefaultChannel.
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{client: client, channel: channel, now: time.Now}
}

// Write implements Sink. Records without an API id are only published.
func (s *RedisSink) Write(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode call record: %w", err)
	}

	now := s.now()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if rec.APIID != "" {
			stats := StatsKey(rec.APIID)
			pipe.HIncrBy(ctx, stats, FieldTotal, 1)
			if rec.Success {
				pipe.HIncrBy(ctx, stats, FieldSuccess, 1)
			} else {
				pipe.HIncrBy(ctx, stats, FieldFail, 1)
			}
			pipe.HIncrBy(ctx, stats, FieldLatencySum, rec.Latency)

			qps := QPSKey(rec.APIID, now)
			pipe.Incr(ctx, qps)
			pipe.Expire(ctx, qps, QPSKeyTTL)

			hour := HourKey(rec.APIID, now)
			pipe.RPush(ctx, hour, strconv.FormatInt(rec.Latency, 10))
			pipe.Expire(ctx, hour, HourKeyTTL)
		}
		pipe.Publish(ctx, s.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write call record: %w", err)
	}
	return nil
}
