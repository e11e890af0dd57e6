package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// RouteLimiter enforces per-API queries-per-second ceilings in process.
type RouteLimiter struct {
	mu       sync.Mutex
	limiters map[string]*routeBucket
}

type routeBucket struct {
	qps     int
	limiter *rate.Limiter
}

// NewRouteLimiter creates an empty RouteLimiter.
func NewRouteLimiter() *RouteLimiter {
	return &RouteLimiter{limiters: make(map[string]*routeBucket)}
}

// Allow takes one token from the bucket of apiID. A non-positive qps
// always allows. A changed qps replaces the bucket.
func (r *RouteLimiter) Allow(apiID string, qps int) bool {
	if qps <= 0 {
		return true
	}

	r.mu.Lock()
	b, ok := r.limiters[apiID]
	if !ok || b.qps != qps {
		b = &routeBucket{qps: qps, limiter: rate.NewLimiter(rate.Limit(qps), qps)}
		r.limiters[apiID] = b
	}
	r.mu.Unlock()

	return b.limiter.Allow()
}

// Forget drops the bucket of apiID.
func (r *RouteLimiter) Forget(apiID string) {
	r.mu.Lock()
	delete(r.limiters, apiID)
	r.mu.Unlock()
}

// Len returns the number of tracked APIs.
func (r *RouteLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}
