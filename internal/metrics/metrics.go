// Package metrics exposes run and submission counters in the Prometheus
// text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dhis2submit/internal/services/pipeline"
)

const namespace = "dhis2submit"

// Submission outcome label values
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Metrics holds the collectors on a private registry
type Metrics struct {
	registry    *prometheus.Registry
	runs        *prometheus.CounterVec
	submissions *prometheus.CounterVec
	lastRun     prometheus.Gauge
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by final status.",
		}, []string{"status"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submission attempts by outcome.",
		}, []string{"outcome"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
	}

	m.registry.MustRegister(
		m.runs,
		m.submissions,
		m.lastRun,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveReport records one finished run
func (m *Metrics) ObserveReport(report *pipeline.Report) {
	if report == nil {
		return
	}
	m.runs.WithLabelValues(report.Status()).Inc()
	m.submissions.WithLabelValues(OutcomeSucceeded).Add(float64(report.Stats.Succeeded))
	m.submissions.WithLabelValues(OutcomeFailed).Add(float64(report.Stats.Failed))
	if !report.FinishedAt.IsZero() {
		m.lastRun.Set(float64(report.FinishedAt.Unix()))
	}
}

// Handler serves the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
