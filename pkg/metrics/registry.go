// Package metrics holds the process-wide Prometheus registry used by
// phobosd's scheduler, device agents, and state index.
//
// Subpackages (pkg/metrics/prometheus) register collectors against this
// registry lazily, the first time a metrics-enabled component asks for
// one, so that a daemon run with metrics disabled pays no promauto cost.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
	enabled  bool
)

// InitRegistry creates the process-wide Prometheus registry and enables
// metrics collection. It also registers the standard Go/process
// collectors, matching what a Prometheus scrape target normally exposes.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()

	registry = prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	enabled = true

	return registry
}

// GetRegistry returns the process-wide registry, or nil if InitRegistry
// has not been called.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()

	return registry
}

// IsEnabled reports whether metrics collection has been initialized.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()

	return enabled
}
