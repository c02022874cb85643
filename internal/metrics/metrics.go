// Package metrics exposes sync engine counters to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crm_sync"

// Metrics owns a private registry so tests can build as many as they like.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	recordsTotal   *prometheus.CounterVec
	conflictsTotal *prometheus.CounterVec
	requestsTotal  *prometheus.CounterVec
	retriesTotal   *prometheus.CounterVec
	runsInFlight   prometheus.Gauge
	scheduledSkips prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Sync runs by provider, sync type and outcome.",
		}, []string{"provider", "sync_type", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of sync runs.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"provider"}),
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records handled by sub-syncs.",
		}, []string{"provider", "entity", "direction", "outcome"}),
		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Records deferred for manual review.",
		}, []string{"provider", "entity"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connector_requests_total",
			Help:      "HTTP calls made to CRM providers by status code.",
		}, []string{"provider", "code"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connector_retries_total",
			Help:      "Retried CRM calls.",
		}, []string{"provider"}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Sync runs currently executing in this process.",
		}),
		scheduledSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_skipped_total",
			Help:      "Due integrations the scheduler skipped because a run was already active.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsTotal, m.runDuration, m.recordsTotal, m.conflictsTotal,
		m.requestsTotal, m.retriesTotal, m.runsInFlight, m.scheduledSkips,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsInFlight.Inc()
}

func (m *Metrics) RunFinished(provider, syncType, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.runsInFlight.Dec()
	m.runsTotal.WithLabelValues(provider, syncType, outcome).Inc()
	m.runDuration.WithLabelValues(provider).Observe(took.Seconds())
}

func (m *Metrics) Record(provider, entity, direction, outcome string) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(provider, entity, direction, outcome).Inc()
}

func (m *Metrics) Conflict(provider, entity string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(provider, entity).Inc()
}

// Request counts one provider call. code 0 means the call never got a response.
func (m *Metrics) Request(provider string, code int) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.requestsTotal.WithLabelValues(provider, label).Inc()
}

func (m *Metrics) Retry(provider string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) ScheduledSkip() {
	if m == nil {
		return
	}
	m.scheduledSkips.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
