// Package metrics provides the Prometheus collector backing /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sourcecheck-ai/sourcecheck/internal/event"
)

// Collector tracks request, tool, and connection metrics. Each collector
// owns its own Prometheus registry so independent server instances can
// coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	toolExecutions *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec

	activeConnections prometheus.Gauge
	evictedTotal      prometheus.Counter

	startTime time.Time
}

// NewCollector creates a collector with its metrics registered under the
// given namespace.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_requests_total",
				Help:      "Total number of JSON-RPC requests",
			},
			[]string{"transport", "method", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_request_duration_seconds",
				Help:      "JSON-RPC request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport", "method"},
		),
		toolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_executions_total",
				Help:      "Total number of tool executions",
			},
			[]string{"tool", "outcome"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_execution_duration_seconds",
				Help:      "Tool execution duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"tool"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sse_connections_active",
				Help:      "Number of currently open SSE connections",
			},
		),
		evictedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sse_clients_evicted_total",
				Help:      "Total number of SSE clients evicted for inactivity",
			},
		),
		startTime: time.Now(),
	}
}

// Bind subscribes the collector to connection and tool lifecycle events.
// Returns an unsubscribe function.
func (c *Collector) Bind(bus *event.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(event.ClientConnected, func(event.Event) {
			c.activeConnections.Inc()
		}),
		bus.Subscribe(event.ClientClosed, func(event.Event) {
			c.activeConnections.Dec()
		}),
		bus.Subscribe(event.ClientEvicted, func(event.Event) {
			c.evictedTotal.Inc()
		}),
		bus.Subscribe(event.ToolExecuted, func(e event.Event) {
			data, ok := e.Data.(event.ToolExecutedData)
			if !ok {
				return
			}
			c.toolExecutions.WithLabelValues(data.Tool, data.Outcome).Inc()
			c.toolDuration.WithLabelValues(data.Tool).Observe(data.DurationMS / 1000)
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// ObserveRequest records one JSON-RPC request.
func (c *Collector) ObserveRequest(transport, method string, status int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(transport, method, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(transport, method).Observe(duration.Seconds())
}

// Handler returns the HTTP handler serving the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying Prometheus registry for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Uptime returns how long the collector has been alive.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}
