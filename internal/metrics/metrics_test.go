package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/xamionex/aurora-server/internal/logging"
	"github.com/xamionex/aurora-server/internal/metrics"
)

func TestMetricsClient(t *testing.T) {
	ctx := context.Background()
	_, ctx = logging.Configure(ctx, logging.Config{})

	client, err := metrics.New(ctx, metrics.Config{ServiceName: "aurora-proxy-test", Port: 9102})
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	client.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.NoError(t, client.Close())
}

func TestMetricsDedicatedServer(t *testing.T) {
	ctx := context.Background()
	_, ctx = logging.Configure(ctx, logging.Config{})

	client, err := metrics.New(ctx, metrics.Config{ServiceName: "aurora-proxy-test", Port: 9103})
	assert.NoError(t, err)
	defer client.Close() //nolint:errcheck

	assert.NoError(t, client.ServeMetrics(ctx))
}

func TestMetricsHandler_ServesTextPlain(t *testing.T) {
	ctx := context.Background()
	_, ctx = logging.Configure(ctx, logging.Config{})

	client, err := metrics.New(ctx, metrics.Config{ServiceName: "aurora-proxy-test", Port: 9104})
	assert.NoError(t, err)
	defer client.Close() //nolint:errcheck

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	client.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
}
