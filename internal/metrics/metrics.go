// Package metrics provides Prometheus metrics for the sync core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the sync core.
type Metrics struct {
	QueueDepth          prometheus.Gauge
	DeadLetterDepth     prometheus.Gauge
	ActionsDispatched   *prometheus.CounterVec
	RetriesTotal        *prometheus.CounterVec
	DeadLettersTotal    *prometheus.CounterVec
	DrainsTotal         prometheus.Counter
	DrainDuration       prometheus.Histogram
	MergeConflictsTotal prometheus.Counter
	MergeRecoveredTotal prometheus.Counter
	StorageDegradations *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncd_queue_depth",
			Help: "Current number of pending outbox actions.",
		}),
		DeadLetterDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncd_dead_letter_depth",
			Help: "Current number of quarantined dead letters.",
		}),
		ActionsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_actions_dispatched_total",
				Help: "Outbox actions dispatched to the backend by result.",
			},
			[]string{"result"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_retries_total",
				Help: "Retry scheduling decisions by error class.",
			},
			[]string{"class"},
		),
		DeadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_dead_letters_total",
				Help: "Actions moved to the dead-letter quarantine by priority.",
			},
			[]string{"priority"},
		),
		DrainsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncd_drains_total",
			Help: "Completed queue drains.",
		}),
		DrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncd_drain_duration_seconds",
			Help:    "Queue drain duration.",
			Buckets: prometheus.DefBuckets,
		}),
		MergeConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncd_merge_conflicts_total",
			Help: "Field-level conflicts resolved by the merge engine.",
		}),
		MergeRecoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncd_merge_recovered_tasks_total",
			Help: "Tasks recovered during merge (missing locally without tombstone).",
		}),
		StorageDegradations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_storage_degradations_total",
				Help: "Storage-degradation ladder activations by tier.",
			},
			[]string{"tier"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.QueueDepth,
		m.DeadLetterDepth,
		m.ActionsDispatched,
		m.RetriesTotal,
		m.DeadLettersTotal,
		m.DrainsTotal,
		m.DrainDuration,
		m.MergeConflictsTotal,
		m.MergeRecoveredTotal,
		m.StorageDegradations,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordDispatch increments the dispatch counter.
func (m *Metrics) RecordDispatch(result string) {
	m.ActionsDispatched.WithLabelValues(result).Inc()
}

// RecordRetry increments the retry counter for an error class.
func (m *Metrics) RecordRetry(class string) {
	m.RetriesTotal.WithLabelValues(class).Inc()
}

// RecordDeadLetter increments the dead-letter counter for a priority.
func (m *Metrics) RecordDeadLetter(priority string) {
	m.DeadLettersTotal.WithLabelValues(priority).Inc()
}

// RecordDegradation increments the degradation counter for a ladder tier.
func (m *Metrics) RecordDegradation(tier string) {
	m.StorageDegradations.WithLabelValues(tier).Inc()
}
