// Package metrics declares the Metrics interface the data path reports
// through, plus a package-level enabled flag and Prometheus registry.
// The Prometheus-backed implementation lives in pkg/metrics/prometheus
// and registers itself here via newPrometheusMetrics to avoid an import
// cycle (this package cannot import prometheus's package, which imports
// this one for the interface).
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the full set of observability hooks the data path reports
// through. New returns nil when metrics are disabled; callers check for
// nil before reporting, which is how they get zero-overhead behavior.
type Metrics interface {
	SetPoolPagesInUse(n int)
	SetPoolPagesFree(n int)

	SetSliceWriterCount(n int)
	SetSliceReaderCount(n int)

	ObserveFlushRequest(kind string)
	ObserveFlushLatency(kind string, seconds float64)

	ObserveObjectPut(bytes int64, seconds float64)
	ObserveObjectGet(bytes int64, seconds float64)

	SetPatternCounter(inode uint64, value int32)
	ObserveReadAheadTriggered()
}

var (
	mu       sync.Mutex
	enabled  bool
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection and creates the Prometheus
// registry the prometheus sub-package's constructors register against.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()
	enabled = true
	registry = prometheus.NewRegistry()
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

// GetRegistry returns the active registry, or nil if metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}

// newPrometheusMetrics is populated by pkg/metrics/prometheus's init().
var newPrometheusMetrics func() Metrics

// RegisterConstructor is called by pkg/metrics/prometheus to hand back
// its concrete constructor without this package importing it directly.
func RegisterConstructor(ctor func() Metrics) {
	newPrometheusMetrics = ctor
}

// New returns a Prometheus-backed Metrics, or nil if metrics are
// disabled or no constructor has been registered (the prometheus
// sub-package was never imported).
func New() Metrics {
	if !IsEnabled() || newPrometheusMetrics == nil {
		return nil
	}
	return newPrometheusMetrics()
}
