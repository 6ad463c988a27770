package metric

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordPublished("dmf", "state")

	srv := NewServer(0, "", registry)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "mqfabric_messages_published_total")

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_CustomHealth(t *testing.T) {
	unhealthy := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := NewServer(0, "/m", NewMetricsRegistry(), WithHealthHandler(unhealthy))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer(-1, "/metrics", NewMetricsRegistry())
	require.NoError(t, srv.Start())

	// second start is rejected
	assert.Error(t, srv.Start())

	addr := srv.Address()
	assert.True(t, strings.HasSuffix(addr, "/metrics"))
	assert.NotContains(t, addr, ":-1")

	resp, err := http.Get(addr)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))
}

func TestServer_StartWithoutRegistry(t *testing.T) {
	srv := NewServer(-1, "", nil)
	assert.Error(t, srv.Start())
}
