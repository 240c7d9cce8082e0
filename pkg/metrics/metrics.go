package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "relay"

// Submission results recorded by ObserveSubmission.
const (
	ResultSuccess     = "success"
	ResultRejected    = "rejected"
	ResultTimeout     = "timeout"
	ResultUnavailable = "unavailable"
	ResultError       = "error"
)

// RelayMetrics holds the relay's Prometheus collectors. A nil *RelayMetrics is a no-op.
type RelayMetrics struct {
	requests    *prometheus.CounterVec
	submissions *prometheus.CounterVec
	retries     prometheus.Counter
	duration    prometheus.Histogram
}

// NewRelayMetrics creates the collectors and registers them on reg.
func NewRelayMetrics(reg prometheus.Registerer) (*RelayMetrics, error) {
	m := &RelayMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "HTTP relay requests by route and outcome kind.",
		}, []string{"route", "outcome"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ledger_submissions_total",
			Help:      "Ledger submissions by result.",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ledger_retries_total",
			Help:      "Resubmissions of identical signed bytes after transport failures.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "submission_duration_seconds",
			Help:      "Time from first broadcast to final ledger answer.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.submissions, m.retries, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register relay metric: %w", err)
		}
	}
	return m, nil
}

func (m *RelayMetrics) ObserveRequest(route, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, outcome).Inc()
}

func (m *RelayMetrics) ObserveSubmission(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *RelayMetrics) IncRetries() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// Handler serves the Prometheus exposition for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
