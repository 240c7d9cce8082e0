package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_RelayMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewRelayMetrics(reg)
	require.NoError(t, err)

	m.ObserveRequest("/relay", "ok")
	m.ObserveRequest("/relay", "ok")
	m.ObserveRequest("/relay", "validation")
	m.ObserveSubmission(ResultSuccess, 2*time.Second)
	m.IncRetries()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.requests.WithLabelValues("/relay", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.submissions.WithLabelValues(ResultSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.retries))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relay_requests_total")
	assert.Contains(t, string(body), "relay_submission_duration_seconds")
}

func Test_RelayMetricsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRelayMetrics(reg)
	require.NoError(t, err)
	_, err = NewRelayMetrics(reg)
	assert.Error(t, err)
}

func Test_NilRelayMetrics(t *testing.T) {
	var m *RelayMetrics
	require.NotPanics(t, func() {
		m.ObserveRequest("/relay", "ok")
		m.ObserveSubmission(ResultError, time.Second)
		m.IncRetries()
	})
}
