package stats

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ErrQueriesNotSupported is returned by write-only collectors.
var ErrQueriesNotSupported = errors.New("collector does not support queries")

// PrometheusCollector exports accounting as Prometheus metrics on a private
// registry.
type PrometheusCollector struct {
	registry    *prometheus.Registry
	bytes       *prometheus.CounterVec
	connections *prometheus.CounterVec
	active      prometheus.Gauge
	duration    *prometheus.HistogramVec
	blocked     *prometheus.CounterVec
	errors      *prometheus.CounterVec
}

// NewPrometheusCollector creates the metric vectors and registers them
func NewPrometheusCollector() *PrometheusCollector {
	p := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterproxy",
			Name:      "bytes_total",
			Help:      "Bytes relayed by the proxy. sent is client to upstream, received is upstream to client.",
		}, []string{"direction", "identity", "target_class"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterproxy",
			Name:      "connections_total",
			Help:      "Accounted connections by protocol and transport.",
		}, []string{"protocol", "transport"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meterproxy",
			Name:      "active_connections",
			Help:      "Connections currently being accounted.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meterproxy",
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of accounted connections.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		}, []string{"close_reason"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterproxy",
			Name:      "blocked_requests_total",
			Help:      "Requests denied by the access gate.",
		}, []string{"reason"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterproxy",
			Name:      "errors_total",
			Help:      "Connection errors by class.",
		}, []string{"type"}),
	}

	p.registry.MustRegister(
		p.bytes, p.connections, p.active, p.duration, p.blocked, p.errors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry returns the private registry
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// StartConnection counts a connection
func (p *PrometheusCollector) StartConnection(_ context.Context, info ConnectionInfo) error {
	p.connections.WithLabelValues(info.Protocol, info.Transport).Inc()
	p.active.Inc()
	return nil
}

// RecordDataTransfer adds a delta to the byte counters
func (p *PrometheusCollector) RecordDataTransfer(_ context.Context, _ string, bytesSent, bytesReceived int64, labels Labels) error {
	if bytesSent > 0 {
		p.bytes.WithLabelValues("sent", labels.Identity, labels.TargetClass).Add(float64(bytesSent))
	}
	if bytesReceived > 0 {
		p.bytes.WithLabelValues("received", labels.Identity, labels.TargetClass).Add(float64(bytesReceived))
	}
	return nil
}

// EndConnection observes the connection duration
func (p *PrometheusCollector) EndConnection(_ context.Context, _ string, _, _ int64, duration time.Duration, closeReason string) error {
	p.active.Dec()
	p.duration.WithLabelValues(closeReason).Observe(duration.Seconds())
	return nil
}

// RecordBlockedRequest counts a denied request
func (p *PrometheusCollector) RecordBlockedRequest(_ context.Context, _, _, reason string) error {
	p.blocked.WithLabelValues(reason).Inc()
	return nil
}

// RecordError counts an error
func (p *PrometheusCollector) RecordError(_ context.Context, _, errorType, _ string) error {
	p.errors.WithLabelValues(errorType).Inc()
	return nil
}

// GetOverviewStats is not supported
func (p *PrometheusCollector) GetOverviewStats(context.Context) (*OverviewStats, error) {
	return nil, ErrQueriesNotSupported
}

// GetTopTargets is not supported
func (p *PrometheusCollector) GetTopTargets(context.Context, int) ([]TargetStats, error) {
	return nil, ErrQueriesNotSupported
}

// HealthCheck always succeeds
func (p *PrometheusCollector) HealthCheck(context.Context) error {
	return nil
}

// Close is a no-op
func (p *PrometheusCollector) Close() error {
	return nil
}
