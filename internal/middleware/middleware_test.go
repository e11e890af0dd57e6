package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestRequestID tests generation and propagation of request IDs.
func TestRequestID(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(RequestID())
	router.GET("/id", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c)+"|"+observability.RequestIDFromContext(c.Request.Context()))
	})

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/id", nil))

		id := w.Header().Get(util.HeaderRequestID)
		require.NotEmpty(t, id)
		assert.Equal(t, id+"|"+id, w.Body.String())
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/id", nil)
		req.Header.Set(util.HeaderRequestID, "req-123")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, "req-123", w.Header().Get(util.HeaderRequestID))
		assert.Equal(t, "req-123|req-123", w.Body.String())
	})
}

// TestRecovery tests that panics become a 500 envelope and are logged.
func TestRecovery(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	router := gin.New()
	router.Use(RequestID(), Recovery(observability.NewZapLogger(zap.New(core)), nil))
	router.GET("/panic", func(*gin.Context) { panic("boom") })
	router.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "OK") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var env util.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, 500, env.Code)
	assert.Equal(t, "internal server error", env.Message)

	entries := logs.FilterMessage("panic recovered").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap(), "request_id")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestMetrics tests request kind labelling.
func TestMetrics(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics("test")
	router := gin.New()
	router.Use(Metrics(metrics))
	router.GET("/open/a", func(c *gin.Context) {
		SetRequestKind(c, KindOpenAPI)
		c.Status(http.StatusNoContent)
	})
	router.GET("/other", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/open/a", "/open/a", "/other"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	expected := `
# HELP test_requests_total Total number of HTTP requests
# TYPE test_requests_total counter
test_requests_total{kind="internal",method="GET",status="200"} 1
test_requests_total{kind="open_api",method="GET",status="204"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "test_requests_total"))
}

// TestBodyLimit tests declared and streamed oversize bodies.
func TestBodyLimit(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(BodyLimit(8, nil))
	router.POST("/echo", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "read failed")
			return
		}
		c.String(http.StatusOK, string(body))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "small", w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("far too large")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "request body too large")

	req := httptest.NewRequest(http.MethodPost, "/echo", io.NopCloser(strings.NewReader("far too large")))
	req.ContentLength = -1
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "read failed", w.Body.String())
}

// TestTracing tests that skipped paths and traced paths both pass through.
func TestTracing(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(Tracing("", "/metrics"))
	router.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/fail", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
