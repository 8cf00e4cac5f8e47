// Package metrics provides access to Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rstash"

// Web
var (
	HTTPResponseStatuses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "http_response_statuses_total",
		},
		[]string{"status"},
	)
	HTTPResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "http_response_time_seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"path"},
	)
)

// Store
var (
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
		},
		[]string{"op"},
	)
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
		},
		[]string{"op"},
	)
	StoreTotalUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "total_usage_bytes",
		},
	)
	StorePayloadSizes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "payload_size_bytes",
			Buckets: []float64{
				1 << 10,   // 1 KiB
				16 << 10,  // 16 KiB
				128 << 10, // 128 KiB
				512 << 10, // 512 KiB
				1 << 20,   // 1 MiB
				5 << 20,   // 5 MiB
				20 << 20,  // 20 MiB
				100 << 20, // 100 MiB
			},
		},
	)
)

// URL Cache
var (
	URLCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "urlcache",
			Name:      "hits_total",
		},
	)
	URLCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "urlcache",
			Name:      "misses_total",
		},
	)
	URLCacheRevocations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "urlcache",
			Name:      "revocations_total",
		},
	)
)

// Blob references
var (
	BlobURLsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bloburl",
			Name:      "active",
		},
	)
)

// Archive
var (
	ArchiveExportedEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "exported_entries_total",
		},
	)
	ArchiveSkippedEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "skipped_entries_total",
		},
	)
	ArchiveImportedEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "imported_entries_total",
		},
	)
	ArchiveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "duration_seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"direction"},
	)
)

// Init values for common labels.
func init() {
	for _, status := range []string{"200", "400", "404", "500"} {
		HTTPResponseStatuses.With(prometheus.Labels{"status": status}).Add(0)
	}
	for _, op := range []string{"put", "get", "get_all", "delete", "clear"} {
		StoreOperations.With(prometheus.Labels{"op": op}).Add(0)
		StoreErrors.With(prometheus.Labels{"op": op}).Add(0)
	}
}
