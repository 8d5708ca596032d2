// Package metrics exposes the gateway's Prometheus instrumentation.
// It follows the pack's idiom of wiring client_golang rather than
// hand-rolling counters: a gateway merging multiple upstreams is
// exactly the kind of component an operator wants latency/error
// visibility into.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the gateway records.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	UpstreamCallErrors *prometheus.CounterVec
	UpstreamCallLatency *prometheus.HistogramVec
	StdioPoolSize      prometheus.Gauge
}

// New builds a fresh, isolated registry (never the global default one,
// so tests can instantiate many without collector-already-registered
// panics).
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		RequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpx",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Count of inbound JSON-RPC requests dispatched, by method.",
		}, []string{"method"}),
		UpstreamCallErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpx",
			Subsystem: "gateway",
			Name:      "upstream_call_errors_total",
			Help:      "Count of outbound upstream calls that failed, by upstream and kind.",
		}, []string{"upstream", "kind"}),
		UpstreamCallLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpx",
			Subsystem: "gateway",
			Name:      "upstream_call_duration_seconds",
			Help:      "Outbound upstream call latency, by upstream and transport.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"upstream", "transport"}),
		StdioPoolSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpx",
			Subsystem: "gateway",
			Name:      "stdio_pool_size",
			Help:      "Current number of live stdio child-process connections.",
		}),
	}
	return r
}

// Handler returns an unauthenticated HTTP handler serving this
// registry in Prometheus exposition format, intended to be bound on
// its own -metrics-addr listener (never the loopback /mcp listener).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
