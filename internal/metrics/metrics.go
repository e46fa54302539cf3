// Package metrics exposes Prometheus metrics for the event pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service owns its own registry so repeated construction (tests, embedded
// use) never trips duplicate-registration panics.
type Service struct {
	registry *prometheus.Registry

	eventsCreated   *prometheus.CounterVec
	eventsConcluded *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	foundChecks     *prometheus.CounterVec

	queueDepth      *prometheus.GaugeVec
	anchorAvailable prometheus.Gauge

	tickDuration prometheus.Histogram
}

// NewService creates and registers all pipeline metrics.
func NewService() *Service {
	m := &Service{
		registry: prometheus.NewRegistry(),

		eventsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopulse_events_created_total",
				Help: "Scan events accepted into the store, by producing trigger",
			},
			[]string{"source"},
		),

		eventsConcluded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopulse_events_concluded_total",
				Help: "Fan-out outcomes per event per tick",
			},
			[]string{"outcome"}, // complete, retry, failed
		),

		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopulse_target_deliveries_total",
				Help: "Per-target delivery outcomes",
			},
			[]string{"target", "outcome"}, // success, failure
		),

		foundChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopulse_found_checks_total",
				Help: "Results of on-disk path probes",
			},
			[]string{"outcome"}, // found, hash_mismatch, missing
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "autopulse_events",
				Help: "Events currently in the store by process status",
			},
			[]string{"status"},
		),

		anchorAvailable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "autopulse_anchors_available",
				Help: "1 when every anchor path exists, 0 while paused",
			},
		),

		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "autopulse_tick_duration_seconds",
				Help:    "Duration of reconciliation ticks",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
		),
	}

	m.registry.MustRegister(
		m.eventsCreated,
		m.eventsConcluded,
		m.deliveries,
		m.foundChecks,
		m.queueDepth,
		m.anchorAvailable,
		m.tickDuration,
	)

	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Service) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Service) EventCreated(source string) {
	m.eventsCreated.WithLabelValues(source).Inc()
}

func (m *Service) EventConcluded(outcome string) {
	m.eventsConcluded.WithLabelValues(outcome).Inc()
}

func (m *Service) Delivery(target string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.deliveries.WithLabelValues(target, outcome).Inc()
}

func (m *Service) FoundCheck(outcome string) {
	m.foundChecks.WithLabelValues(outcome).Inc()
}

func (m *Service) SetQueueDepth(status string, n int64) {
	m.queueDepth.WithLabelValues(status).Set(float64(n))
}

func (m *Service) SetAnchorAvailable(ok bool) {
	v := 0.0
	if ok {
		v = 1.0
	}
	m.anchorAvailable.Set(v)
}

func (m *Service) ObserveTick(d time.Duration) {
	m.tickDuration.Observe(d.Seconds())
}
