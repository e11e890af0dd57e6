package dispatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/openapigw/internal/route"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

func TestRelay_ServeHTTP(t *testing.T) {
	t.Parallel()

	backend, hits := newEchoBackend(t)
	services := NewServiceResolver(map[string][]string{"iam": {hostOf(backend)}})
	relay := NewRelay(services, WithRelayTimeout(5*time.Second))

	req := httptest.NewRequest(http.MethodPut, "/api/iam/v1/users/me?x=1", strings.NewReader("payload"))
	req.Header.Set(util.HeaderUserID, "u-1")
	req.Header.Set(util.HeaderForwardedFor, "198.51.100.7")
	w := httptest.NewRecorder()
	relay.ServeHTTP(w, req, route.StaticRoute{Prefix: "/api/iam", Service: "iam", StripPrefix: 2})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int32(1), hits.Load())
	var e echoed
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, http.MethodPut, e.Method)
	assert.Equal(t, "/v1/users/me", e.Path)
	assert.Equal(t, "x=1", e.Query)
	assert.Equal(t, "payload", e.Body)
	assert.Equal(t, []string{"u-1"}, e.Header[util.HeaderUserID])
	assert.Equal(t, []string{"198.51.100.7, 192.0.2.1"}, e.Header[util.HeaderForwardedFor])
}

func TestRelay_StatusPassthrough(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Backend", "1")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("conflict"))
	}))
	t.Cleanup(backend.Close)

	w := httptest.NewRecorder()
	NewRelay(nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/files/a", nil),
		route.StaticRoute{Prefix: "/files", URL: backend.URL})

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", w.Body.String())
	assert.Equal(t, "1", w.Header().Get("X-Backend"))
}

func TestRelay_BackendDown(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	NewRelay(nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/files/a", nil),
		route.StaticRoute{Prefix: "/files", URL: "http://127.0.0.1:1"})

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var env util.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, http.StatusBadGateway, env.Code)
	assert.True(t, strings.HasPrefix(env.Message, "backend error: "), env.Message)
}

func TestRelay_Target(t *testing.T) {
	t.Parallel()

	relay := NewRelay(NewServiceResolver(map[string][]string{"tls": {"https://secure:8443/"}}))

	u, err := relay.Target(route.StaticRoute{Service: "tls"})
	require.NoError(t, err)
	assert.Equal(t, "https://secure:8443", u.String())

	u, err = relay.Target(route.StaticRoute{Service: "user-service"})
	require.NoError(t, err)
	assert.Equal(t, "http://user-service", u.String())

	u, err = relay.Target(route.StaticRoute{URL: "http://files:9000/base/"})
	require.NoError(t, err)
	assert.Equal(t, "/base", u.Path)
	assert.Equal(t, "/base/a", joinURLPath(u.Path, "/a"))
	assert.Equal(t, "/base", joinURLPath(u.Path, "/"))
}
