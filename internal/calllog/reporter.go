package calllog

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/openapigw/internal/observability"
)

// Reporter defaults.
const (
	DefaultQueueSize    = 4096
	DefaultWorkers      = 4
	DefaultWriteTimeout = 3 * time.Second
)

// Sink persists records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Reporter queues records and writes them to a Sink on background workers.
type Reporter struct {
	sink         Sink
	queue        chan Record
	workers      int
	writeTimeout time.Duration
	logger       observability.Logger
	metrics      *observability.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithQueueSize bounds the number of pending records.
func WithQueueSize(n int) Option {
	return func(r *Reporter) {
		if n > 0 {
			r.queue = make(chan Record, n)
		}
	}
}

// WithWorkers sets the number of writers.
func WithWorkers(n int) Option {
	return func(r *Reporter) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Reporter) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Reporter) {
		r.metrics = metrics
	}
}

// NewReporter creates a Reporter and starts its workers.
func NewReporter(sink Sink, opts ...Option) *Reporter {
	r := &Reporter{
		sink:         sink,
		workers:      DefaultWorkers,
		writeTimeout: DefaultWriteTimeout,
		logger:       observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.queue == nil {
		r.queue = make(chan Record, DefaultQueueSize)
	}

	r.wg.Add(r.workers)
	for i := 0; i < r.workers; i++ {
		go r.work()
	}
	return r
}

// Submit queues rec without blocking. It reports false when the record
// was dropped because the queue is full or the reporter is closed.
func (r *Reporter) Submit(rec Record) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}
	select {
	case r.queue <- rec:
		return true
	default:
		r.metrics.RecordCallLogDropped()
		r.logger.Debug("call log queue full, record dropped",
			observability.String("api_id", rec.APIID),
		)
		return false
	}
}

// Pending returns the number of queued records.
func (r *Reporter) Pending() int {
	return len(r.queue)
}

func (r *Reporter) work() {
	defer r.wg.Done()
	for rec := range r.queue {
		r.write(rec)
	}
}

func (r *Reporter) write(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if err := r.sink.Write(ctx, rec); err != nil {
		r.metrics.RecordBackgroundError("call_log")
		r.logger.Warn("call log write failed",
			observability.String("api_id", rec.APIID),
			observability.String("path", rec.APIPath),
			observability.Error(err),
		)
	}
}

// Close stops accepting records and waits until the queue is drained or
// ctx is done.
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
