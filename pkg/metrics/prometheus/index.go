package prometheus

import (
	"github.com/cea-hpc/phobosd/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IndexMetrics is the Prometheus implementation of the state index's
// instrumentation: query latency and row-lock contention, by backend.
type IndexMetrics struct {
	queryDuration *prometheus.HistogramVec
	lockWaits     *prometheus.CounterVec
	lockTimeouts  *prometheus.CounterVec
}

// NewIndexMetrics creates a new Prometheus-backed state index metrics
// instance. Returns nil if metrics are not enabled (InitRegistry not called).
func NewIndexMetrics() *IndexMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &IndexMetrics{
		queryDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "phobosd_index_query_duration_seconds",
				Help:    "Duration of state index queries, by backend and table",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "table"}, // backend: "memory", "badger", "sql"
		),
		lockWaits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "phobosd_index_lock_waits_total",
				Help: "Total number of times a row lock acquisition had to wait",
			},
			[]string{"table"},
		),
		lockTimeouts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "phobosd_index_lock_timeouts_total",
				Help: "Total number of row lock acquisitions that timed out",
			},
			[]string{"table"},
		),
	}
}

// ObserveQueryDuration records how long a state index query took.
func (m *IndexMetrics) ObserveQueryDuration(backend, table string, seconds float64) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(backend, table).Observe(seconds)
}

// RecordLockWait records a row lock acquisition that had to wait.
func (m *IndexMetrics) RecordLockWait(table string) {
	if m == nil {
		return
	}
	m.lockWaits.WithLabelValues(table).Inc()
}

// RecordLockTimeout records a row lock acquisition that timed out.
func (m *IndexMetrics) RecordLockTimeout(table string) {
	if m == nil {
		return
	}
	m.lockTimeouts.WithLabelValues(table).Inc()
}
