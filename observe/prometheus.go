package observe

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	sdk "github.com/authrelay/authrelay/sdk/go"
)

// PrometheusMetrics turns SDK metric datapoints into Prometheus collectors.
type PrometheusMetrics struct {
	HTTPLatency      *prometheus.HistogramVec
	RefreshExchanges *prometheus.CounterVec
	ReplayQueueDepth prometheus.Histogram
	Teardowns        *prometheus.CounterVec
	ProfileFetches   *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authrelay_http_request_duration_ms",
			Help:    "Latency of HTTP round trips sent by the SDK, in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"path"}),
		RefreshExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authrelay_refresh_exchanges_total",
			Help: "Refresh exchanges performed, by outcome.",
		}, []string{"outcome"}),
		ReplayQueueDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authrelay_replay_queue_depth",
			Help:    "Requests queued behind a refresh exchange when it settled.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		Teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authrelay_session_teardowns_total",
			Help: "Local session teardowns, by whether a session was held.",
		}, []string{"had_session"}),
		ProfileFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authrelay_profile_fetches_total",
			Help: "Profile fetches, by outcome.",
		}, []string{"outcome"}),
	}
	for _, c := range []prometheus.Collector{m.HTTPLatency, m.RefreshExchanges, m.ReplayQueueDepth, m.Teardowns, m.ProfileFetches} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Hooks returns telemetry hooks feeding the collectors. Unknown metric names are ignored.
func (m *PrometheusMetrics) Hooks() sdk.TelemetryHooks {
	return sdk.TelemetryHooks{OnMetric: m.observe}
}

func (m *PrometheusMetrics) observe(_ context.Context, metric sdk.Metric) {
	switch metric.Name {
	case sdk.MetricHTTPLatency:
		m.HTTPLatency.WithLabelValues(metric.Labels["path"]).Observe(metric.Value)
	case sdk.MetricRefreshExchange:
		m.RefreshExchanges.WithLabelValues(metric.Labels["outcome"]).Add(metric.Value)
	case sdk.MetricReplayQueueDepth:
		m.ReplayQueueDepth.Observe(metric.Value)
	case sdk.MetricSessionTeardown:
		m.Teardowns.WithLabelValues(metric.Labels["had_session"]).Add(metric.Value)
	case sdk.MetricProfileFetch:
		m.ProfileFetches.WithLabelValues(metric.Labels["outcome"]).Add(metric.Value)
	}
}
