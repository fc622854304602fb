package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	fetchOutcomes *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	ticks         *prometheus.CounterVec
	observers     prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_refresh_cycles_total",
			Help: "Refresh cycles started, by trigger.",
		}, []string{"trigger"}),
		fetchOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_fetch_outcomes_total",
			Help: "Per-scope fetch outcomes, by source and outcome (ok or error kind).",
		}, []string{"source", "outcome"}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "folio_fetch_duration_seconds",
			Help:    "Wall time of one source within a cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"source"}),
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_scheduler_ticks_total",
			Help: "Auto-refresh ticks, by result.",
		}, []string{"result"}),
		observers: f.NewGauge(prometheus.GaugeOpts{
			Name: "folio_observers",
			Help: "Currently connected status observers.",
		}),
	}
}

func (m *Metrics) CycleStarted(trigger string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(trigger).Inc()
}

func (m *Metrics) FetchOutcome(source, outcome string) {
	if m == nil {
		return
	}
	m.fetchOutcomes.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) FetchDuration(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) Tick(result string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
}

func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.observers.Set(float64(n))
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
