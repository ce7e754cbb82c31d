package prometheus

import (
	"github.com/cea-hpc/phobosd/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SchedulerMetrics is the Prometheus implementation of the LRS scheduler's
// instrumentation: queue depth, allocation outcomes, and pass latency.
type SchedulerMetrics struct {
	queueDepth   *prometheus.GaugeVec
	requestsTot  *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	eagainTotal  *prometheus.CounterVec
}

// NewSchedulerMetrics creates a new Prometheus-backed scheduler metrics
// instance. Returns nil if metrics are not enabled (InitRegistry not called).
func NewSchedulerMetrics() *SchedulerMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &SchedulerMetrics{
		queueDepth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "phobosd_scheduler_queue_depth",
				Help: "Number of requests waiting in a scheduler queue, by queue",
			},
			[]string{"kind"}, // queue: "release", "pending"
		),
		requestsTot: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "phobosd_scheduler_requests_total",
				Help: "Total number of scheduler requests processed, by kind and outcome",
			},
			[]string{"kind", "outcome"}, // outcome: "ok", "error"; requeues are counted by eagainTotal
		),
		passDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "phobosd_scheduler_pass_duration_seconds",
				Help:    "Wall-clock duration of one scheduler pass",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		eagainTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "phobosd_scheduler_eagain_total",
				Help: "Total number of requests requeued at the head of the queue after EAGAIN",
			},
			[]string{"kind"},
		),
	}
}

// SetQueueDepth records the current length of one scheduler queue
// ("release" or "pending").
func (m *SchedulerMetrics) SetQueueDepth(kind string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(kind).Set(float64(depth))
}

// RecordRequest records the terminal outcome of one scheduled request.
func (m *SchedulerMetrics) RecordRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.requestsTot.WithLabelValues(kind, outcome).Inc()
}

// ObservePassDuration records how long one scheduler pass took for a kind.
func (m *SchedulerMetrics) ObservePassDuration(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.passDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordEagain records a request that was requeued at the head of the queue.
func (m *SchedulerMetrics) RecordEagain(kind string) {
	if m == nil {
		return
	}
	m.eagainTotal.WithLabelValues(kind).Inc()
}
