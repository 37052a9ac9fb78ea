// Package metrics defines the Prometheus collectors used by the ingestion
// service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	RunsTotal            *prometheus.CounterVec
	ItemsTotal           *prometheus.CounterVec
	WebhooksTotal        *prometheus.CounterVec
	ScheduleOpsTotal     *prometheus.CounterVec
	RunnerCallDuration   *prometheus.HistogramVec
	RunnerRetriesTotal   *prometheus.CounterVec
	BatchInFlight        prometheus.Gauge
}

// New creates all collectors and registers them with reg. A nil reg uses
// the global default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_runs_total",
				Help: "Completed ingestion runs by final state.",
			},
			[]string{"status"},
		),
		ItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_items_total",
				Help: "Dataset items handled by outcome (processed, skipped, failed).",
			},
			[]string{"outcome"},
		),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_events_total",
				Help: "Webhook deliveries by handling status.",
			},
			[]string{"status"},
		),
		ScheduleOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schedule_reconcile_ops_total",
				Help: "Remote schedule operations performed by the reconciler.",
			},
			[]string{"op"},
		),
		RunnerCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runner_call_duration_seconds",
				Help:    "Latency of runner API operations including retries.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"operation", "outcome"},
		),
		RunnerRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_call_retries_total",
				Help: "Retried runner API attempts by operation.",
			},
			[]string{"operation"},
		),
		BatchInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingestion_batches_in_flight",
				Help: "Batch ingestions currently running.",
			},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RunsTotal,
		m.ItemsTotal,
		m.WebhooksTotal,
		m.ScheduleOpsTotal,
		m.RunnerCallDuration,
		m.RunnerRetriesTotal,
		m.BatchInFlight,
	)

	return m
}

func (m *Metrics) RecordRun(status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordItems(processed, skipped, failed int) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues("processed").Add(float64(processed))
	m.ItemsTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.ItemsTotal.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) RecordWebhook(status string) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordScheduleOp(op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ScheduleOpsTotal.WithLabelValues(op).Add(float64(n))
}

// ObserveRunnerCall matches the observer signature of resilience.Probe.
func (m *Metrics) ObserveRunnerCall(name, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunnerCallDuration.WithLabelValues(name, outcome).Observe(elapsed.Seconds())
}

// CountRetry matches the OnRetry hook of resilience.Policy.
func (m *Metrics) CountRetry(name string, _ int, _ error, _ time.Duration) {
	if m == nil {
		return
	}
	m.RunnerRetriesTotal.WithLabelValues(name).Inc()
}

func (m *Metrics) BatchStarted() {
	if m == nil {
		return
	}
	m.BatchInFlight.Inc()
}

func (m *Metrics) BatchFinished() {
	if m == nil {
		return
	}
	m.BatchInFlight.Dec()
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
