package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecording(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")

	m.RecordRequest(http.MethodGet, "open_api", 200, 10*time.Millisecond)
	m.RecordAuthFailure("signature", "duplicate_nonce")
	m.RecordRateLimitReject("ip")
	m.RecordRouteCacheEvent("hit")
	m.SetRouteCacheSize(3)
	m.RecordStoreOperation("get", nil)
	m.RecordStoreOperation("get", errors.New("boom"))
	m.RecordCallLogDropped()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "open_api", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authFailures.WithLabelValues("signature", "duplicate_nonce")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimitRejects.WithLabelValues("ip")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.routeCacheSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeOperations.WithLabelValues("get", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callLogDropped))
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("GET", "internal", 404, time.Millisecond)
		m.RecordDispatch("http", "success", time.Millisecond)
		m.RecordResponseCache("hit")
		m.RecordRemoteCall("catalog", "get_route", nil)
		m.RecordCircuitBreakerTransition("catalog", "closed", "open")
		m.RecordBackgroundError("quota_increment")
		m.AddRPCPoolInUse(1)
		m.SetBuildInfo("dev", "none", "unknown")
	})
}

func TestMetricsHandler(t *testing.T) {
	t.Parallel()

	m := NewMetrics("handler")
	m.RecordResponseCache("miss")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "handler_response_cache_total")
}
