// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the gateway's metric instances and their registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	streamChunks    prometheus.Counter
	tokensTotal     *prometheus.CounterVec
	activeSessions  prometheus.GaugeFunc
}

// NewCollector registers the gateway metrics on a fresh registry.
// sessionCount feeds the active-sessions gauge on scrape.
func NewCollector(sessionCount func() int) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgate",
			Name:      "requests_total",
			Help:      "Total requests by endpoint and status code.",
		}, []string{"endpoint", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentgate",
			Name:      "request_duration_seconds",
			Help:      "Request duration by endpoint.",
			// Backend turns routinely take seconds; stretch the upper buckets.
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"endpoint"}),
		streamChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentgate",
			Name:      "stream_chunks_total",
			Help:      "Total SSE chunks written across all streams.",
		}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgate",
			Name:      "tokens_total",
			Help:      "Token usage by kind (prompt, completion).",
		}, []string{"kind"}),
	}
	if sessionCount != nil {
		c.activeSessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "agentgate",
			Name:      "sessions_active",
			Help:      "Sessions currently held in the store.",
		}, func() float64 { return float64(sessionCount()) })
		registry.MustRegister(c.activeSessions)
	}

	registry.MustRegister(c.requestsTotal, c.requestDuration, c.streamChunks, c.tokensTotal)
	return c
}

// ObserveRequest records one finished request.
func (c *Collector) ObserveRequest(endpoint, status string, elapsed time.Duration) {
	c.requestsTotal.WithLabelValues(endpoint, status).Inc()
	c.requestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// AddStreamChunks counts chunks written for one stream.
func (c *Collector) AddStreamChunks(n int) {
	c.streamChunks.Add(float64(n))
}

// AddTokens records token usage.
func (c *Collector) AddTokens(prompt, completion int) {
	c.tokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	c.tokensTotal.WithLabelValues("completion").Add(float64(completion))
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
