package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/metrics"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.MessageReceived()
		m.MessageDropped()
		m.ReadingRejected("missing_field")
		m.ReadingPersisted()
		m.PersistFailed()
		m.UnknownSensor()
		m.Delivered(3)
		m.QueueDropped()
		m.SessionsActive(2)
		m.DirectoryLookup("device", "hit")
		m.BreakerState("directory", 2)
		m.ObserveIngest(time.Millisecond)
	})

	h := m.WrapHandler("x", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestCounters(t *testing.T) {
	m := metrics.New()

	m.ReadingRejected("missing_field")
	m.ReadingRejected("missing_field")
	m.ReadingRejected("malformed_payload")
	m.ReadingPersisted()
	m.QueueDropped()
	m.DirectoryLookup("device", "miss")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RejectedCollector().WithLabelValues("missing_field")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RejectedCollector().WithLabelValues("malformed_payload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistedCollector()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDropsCollector()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DirectoryCollector().WithLabelValues("device", "miss")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := metrics.New()
	m.SessionsActive(3)

	wrapped := m.WrapHandler("health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "fleetwatch_sessions_active 3"))
	assert.True(t, strings.Contains(text, `fleetwatch_http_requests_total{route="health",status="200"} 1`))
	assert.True(t, strings.Contains(text, `fleetwatch_circuit_breaker_state{target="directory"} 0`))
}
