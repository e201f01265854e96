// Package prometheus is the Prometheus-backed implementation of
// pkg/metrics.Metrics. Importing this package for its side effect
// registers the concrete constructor with pkg/metrics; nothing else in
// the module needs to reference it directly.
package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kisekifs/kiseki/pkg/metrics"
)

func init() {
	metrics.RegisterConstructor(New)
}

type promMetrics struct {
	poolPagesInUse prometheus.Gauge
	poolPagesFree  prometheus.Gauge

	sliceWriters prometheus.Gauge
	sliceReaders prometheus.Gauge

	flushRequests *prometheus.CounterVec
	flushLatency  *prometheus.HistogramVec

	objectPutBytes   prometheus.Histogram
	objectPutLatency prometheus.Histogram
	objectGetBytes   prometheus.Histogram
	objectGetLatency prometheus.Histogram

	patternCounter *prometheus.GaugeVec
	readAhead      prometheus.Counter
}

// New constructs a promMetrics registered against pkg/metrics's active
// registry. Callers should go through pkg/metrics.New, not this
// directly, so the nil-when-disabled behavior is preserved.
func New() metrics.Metrics {
	reg := metrics.GetRegistry()
	if reg == nil {
		return nil
	}

	return &promMetrics{
		poolPagesInUse: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "kiseki_diskpool_pages_in_use",
			Help: "Pages currently checked out of the disk page pool.",
		}),
		poolPagesFree: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "kiseki_diskpool_pages_free",
			Help: "Pages currently available in the disk page pool.",
		}),
		sliceWriters: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "kiseki_chunk_slice_writers",
			Help: "Live SliceWriters across all open files.",
		}),
		sliceReaders: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "kiseki_chunk_slice_readers",
			Help: "Live SliceReaders across all open files.",
		}),
		flushRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kiseki_chunk_flush_requests_total",
			Help: "BackgroundFlusher requests handled, by kind.",
		}, []string{"kind"}),
		flushLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kiseki_chunk_flush_duration_seconds",
			Help:    "Time to complete a slice flush, by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		objectPutBytes: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "kiseki_object_put_bytes",
			Help:    "Size in bytes of object-store PUT payloads.",
			Buckets: prometheus.ExponentialBuckets(4096, 4, 8),
		}),
		objectPutLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "kiseki_object_put_duration_seconds",
			Help:    "Object-store PUT latency.",
			Buckets: prometheus.DefBuckets,
		}),
		objectGetBytes: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "kiseki_object_get_bytes",
			Help:    "Size in bytes of object-store GET/GetRange responses.",
			Buckets: prometheus.ExponentialBuckets(4096, 4, 8),
		}),
		objectGetLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "kiseki_object_get_duration_seconds",
			Help:    "Object-store GET/GetRange latency.",
			Buckets: prometheus.DefBuckets,
		}),
		patternCounter: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "kiseki_chunk_write_pattern_counter",
			Help: "Saturating sequential/random write pattern counter, per inode.",
		}, []string{"inode"}),
		readAhead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kiseki_chunk_read_ahead_triggered_total",
			Help: "Times a Read call triggered a fire-and-forget read-ahead.",
		}),
	}
}

func (m *promMetrics) SetPoolPagesInUse(n int) { m.poolPagesInUse.Set(float64(n)) }
func (m *promMetrics) SetPoolPagesFree(n int)  { m.poolPagesFree.Set(float64(n)) }

func (m *promMetrics) SetSliceWriterCount(n int) { m.sliceWriters.Set(float64(n)) }
func (m *promMetrics) SetSliceReaderCount(n int) { m.sliceReaders.Set(float64(n)) }

func (m *promMetrics) ObserveFlushRequest(kind string) {
	m.flushRequests.WithLabelValues(kind).Inc()
}

func (m *promMetrics) ObserveFlushLatency(kind string, seconds float64) {
	m.flushLatency.WithLabelValues(kind).Observe(seconds)
}

func (m *promMetrics) ObserveObjectPut(bytes int64, seconds float64) {
	m.objectPutBytes.Observe(float64(bytes))
	m.objectPutLatency.Observe(seconds)
}

func (m *promMetrics) ObserveObjectGet(bytes int64, seconds float64) {
	m.objectGetBytes.Observe(float64(bytes))
	m.objectGetLatency.Observe(seconds)
}

func (m *promMetrics) SetPatternCounter(inode uint64, value int32) {
	m.patternCounter.WithLabelValues(strconv.FormatUint(inode, 10)).Set(float64(value))
}

func (m *promMetrics) ObserveReadAheadTriggered() {
	m.readAhead.Inc()
}
