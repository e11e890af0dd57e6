package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	authFailures     *prometheus.CounterVec
	rateLimitRejects *prometheus.CounterVec
	routeCache       *prometheus.CounterVec
	routeCacheSize   prometheus.Gauge
	dispatchDuration *prometheus.HistogramVec
	responseCache    *prometheus.CounterVec
	storeOperations  *prometheus.CounterVec
	remoteCalls      *prometheus.CounterVec
	circuitBreaker   *prometheus.CounterVec
	callLogDropped   prometheus.Counter
	backgroundErrors *prometheus.CounterVec
	rpcPoolInUse     prometheus.Gauge
	buildInfo        *prometheus.GaugeVec
	registry         *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "kind", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "kind"},
	)

	m.authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Authentication and authorization rejections",
		},
		[]string{"scheme", "reason"},
	)

	m.rateLimitRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter",
		},
		[]string{"dimension"},
	)

	m.routeCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_cache_events_total",
			Help:      "Route cache lookups and maintenance events",
		},
		[]string{"event"},
	)

	m.routeCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "route_cache_entries",
			Help:      "Number of routes in the local cache",
		},
	)

	m.dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Backend dispatch duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "outcome"},
	)

	m.responseCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_cache_total",
			Help:      "Response cache hits and misses",
		},
		[]string{"result"},
	)

	m.storeOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Key-value store operations",
		},
		[]string{"operation", "status"},
	)

	m.remoteCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_lookups_total",
			Help:      "Calls to remote catalog, registry and tenant services",
		},
		[]string{"service", "operation", "status"},
	)

	m.circuitBreaker = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	m.callLogDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_log_dropped_total",
			Help:      "Call records dropped because the reporter queue was full",
		},
	)

	m.backgroundErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_task_errors_total",
			Help:      "Failures of fire-and-forget background tasks",
		},
		[]string{"task"},
	)

	m.rpcPoolInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_pool_in_use",
			Help:      "Generic RPC invocations currently holding a worker slot",
		},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.registerCollectors()

	return m
}

// registerCollectors registers all metric collectors with the
// Prometheus registry.
func (m *Metrics) registerCollectors() {
	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.authFailures,
		m.rateLimitRejects,
		m.routeCache,
		m.routeCacheSize,
		m.dispatchDuration,
		m.responseCache,
		m.storeOperations,
		m.remoteCalls,
		m.circuitBreaker,
		m.callLogDropped,
		m.backgroundErrors,
		m.rpcPoolInUse,
		m.buildInfo,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
}

// RecordRequest records a completed HTTP request.
// kind is a bounded label such as "open_api", "internal" or "admin".
func (m *Metrics) RecordRequest(method, kind string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, kind, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, kind).Observe(duration.Seconds())
}

// RecordAuthFailure records a rejected credential.
func (m *Metrics) RecordAuthFailure(scheme, reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(scheme, reason).Inc()
}

// RecordRateLimitReject records a rate limit rejection.
func (m *Metrics) RecordRateLimitReject(dimension string) {
	if m == nil {
		return
	}
	m.rateLimitRejects.WithLabelValues(dimension).Inc()
}

// RecordRouteCacheEvent records a route cache event (hit, miss, remote_hit, refresh, invalidate).
func (m *Metrics) RecordRouteCacheEvent(event string) {
	if m == nil {
		return
	}
	m.routeCache.WithLabelValues(event).Inc()
}

// SetRouteCacheSize sets the route cache size gauge.
func (m *Metrics) SetRouteCacheSize(n int) {
	if m == nil {
		return
	}
	m.routeCacheSize.Set(float64(n))
}

// RecordDispatch records a backend dispatch.
func (m *Metrics) RecordDispatch(backend, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(backend, outcome).Observe(duration.Seconds())
}

// RecordResponseCache records a response cache lookup result.
func (m *Metrics) RecordResponseCache(result string) {
	if m == nil {
		return
	}
	m.responseCache.WithLabelValues(result).Inc()
}

// RecordStoreOperation records a key-value store operation.
func (m *Metrics) RecordStoreOperation(operation string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.storeOperations.WithLabelValues(operation, status).Inc()
}

// RecordRemoteCall records a remote lookup call.
func (m *Metrics) RecordRemoteCall(service, operation string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.remoteCalls.WithLabelValues(service, operation, status).Inc()
}

// RecordCircuitBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordCircuitBreakerTransition(name, from, to string) {
	if m == nil {
		return
	}
	m.circuitBreaker.WithLabelValues(name, from, to).Inc()
}

// RecordCallLogDropped records a dropped call record.
func (m *Metrics) RecordCallLogDropped() {
	if m == nil {
		return
	}
	m.callLogDropped.Inc()
}

// RecordBackgroundError records a failed background task.
func (m *Metrics) RecordBackgroundError(task string) {
	if m == nil {
		return
	}
	m.backgroundErrors.WithLabelValues(task).Inc()
}

// AddRPCPoolInUse adjusts the RPC worker pool gauge.
func (m *Metrics) AddRPCPoolInUse(delta float64) {
	if m == nil {
		return
	}
	m.rpcPoolInUse.Add(delta)
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
