package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wesleyorama2/surge/internal/campaign/segment"
)

// Prometheus exports observations as Prometheus metrics labelled with
// city and activity_class.
type Prometheus struct {
	registry *prometheus.Registry

	checks     *prometheus.CounterVec
	reqLatency *prometheus.HistogramVec
	iterations *prometheus.CounterVec
	iterTime   *prometheus.HistogramVec
}

// NewPrometheus registers the surge collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		checks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surge_checks_total",
				Help: "Total number of request checks by result",
			},
			[]string{"city", "activity_class", "check", "result"},
		),
		reqLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "surge_http_req_duration_seconds",
				Help:    "HTTP request latency distribution",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"city", "activity_class", "check"},
		),
		iterations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surge_iterations_total",
				Help: "Total number of scheduled iterations by outcome",
			},
			[]string{"city", "activity_class", "outcome"},
		),
		iterTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "surge_iteration_duration_seconds",
				Help:    "Duration of completed iterations including think time",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"city", "activity_class"},
		),
	}
}

// RecordCheck implements Sink.
func (p *Prometheus) RecordCheck(key segment.Key, check Check) {
	result := "fail"
	if check.Passed {
		result = "pass"
	}
	p.checks.WithLabelValues(key.City, key.Class, check.Name, result).Inc()
	p.reqLatency.WithLabelValues(key.City, key.Class, check.Name).Observe(check.Latency.Seconds())
}

// RecordIteration implements Sink.
func (p *Prometheus) RecordIteration(key segment.Key, outcome Outcome, duration time.Duration) {
	p.iterations.WithLabelValues(key.City, key.Class, string(outcome)).Inc()
	if outcome == OutcomeCompleted {
		p.iterTime.WithLabelValues(key.City, key.Class).Observe(duration.Seconds())
	}
}

// Registry returns the registry the collectors live on.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the collected metrics in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

var _ Sink = (*Prometheus)(nil)
