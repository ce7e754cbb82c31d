package prometheus

import (
	"github.com/cea-hpc/phobosd/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DeviceMetrics is the Prometheus implementation of the device agent's
// instrumentation: device state, medium occupancy, and sync activity.
type DeviceMetrics struct {
	deviceState  *prometheus.GaugeVec
	mediumUsed   *prometheus.GaugeVec
	syncTotal    *prometheus.CounterVec
	syncBytes    *prometheus.CounterVec
	lockRenewals *prometheus.CounterVec
}

// NewDeviceMetrics creates a new Prometheus-backed device metrics instance.
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewDeviceMetrics() *DeviceMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &DeviceMetrics{
		deviceState: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "phobosd_device_state",
				Help: "Current device operational state (1 for the active state, 0 otherwise), by serial and state",
			},
			[]string{"family", "serial", "state"}, // state: "empty", "loaded", "mounted", "failed"
		),
		mediumUsed: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "phobosd_medium_used_bytes",
				Help: "Bytes currently used on a medium",
			},
			[]string{"family", "medium"},
		),
		syncTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "phobosd_device_sync_total",
				Help: "Total number of medium sync operations, by reason",
			},
			[]string{"family", "serial", "reason"}, // reason: "nb_req", "bytes", "age", "umount"
		),
		syncBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "phobosd_device_sync_bytes_total",
				Help: "Total bytes flushed by medium sync operations",
			},
			[]string{"family", "serial"},
		),
		lockRenewals: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "phobosd_device_lock_renewals_total",
				Help: "Total number of device lock renewals",
			},
			[]string{"family", "serial"},
		),
	}
}

// SetDeviceState records the device's current operational state as a
// one-hot gauge: setting a new state zeroes the previous one.
func (m *DeviceMetrics) SetDeviceState(family, serial string, states []string, current string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1.0
		}
		m.deviceState.WithLabelValues(family, serial, s).Set(v)
	}
}

// SetMediumUsed records the bytes currently used on a medium.
func (m *DeviceMetrics) SetMediumUsed(family, medium string, used int64) {
	if m == nil {
		return
	}
	m.mediumUsed.WithLabelValues(family, medium).Set(float64(used))
}

// RecordSync records a medium sync and the bytes it flushed.
func (m *DeviceMetrics) RecordSync(family, serial, reason string, bytes int64) {
	if m == nil {
		return
	}
	m.syncTotal.WithLabelValues(family, serial, reason).Inc()
	m.syncBytes.WithLabelValues(family, serial).Add(float64(bytes))
}

// RecordLockRenewal records one device lock renewal.
func (m *DeviceMetrics) RecordLockRenewal(family, serial string) {
	if m == nil {
		return
	}
	m.lockRenewals.WithLabelValues(family, serial).Inc()
}
