// Package metrics holds the Prometheus collectors for the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Model call outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics encapsulates Prometheus metrics for the server.
type Metrics struct {
	registry            *prometheus.Registry
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ModelCalls          *prometheus.CounterVec
	ModelCallDuration   *prometheus.HistogramVec
	StructuredFallbacks prometheus.Counter
	ReviewFallbacks     prometheus.Counter
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmapi_http_requests_total",
				Help: "Total number of HTTP requests by route and status",
			},
			[]string{"route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmapi_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		ModelCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmapi_model_calls_total",
				Help: "Total number of model calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		ModelCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmapi_model_call_duration_seconds",
				Help:    "Latency of model calls in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"operation"},
		),
		StructuredFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmapi_structured_fallbacks_total",
			Help: "Structured calls answered with the fallback item",
		}),
		ReviewFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmapi_review_fallbacks_total",
			Help: "Reviews whose model reply could not be parsed",
		}),
	}

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns a handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
