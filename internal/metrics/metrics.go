// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequests counts handled requests by route pattern and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfv_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPDuration observes request latency by route pattern.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cfv_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// IngestedFiles counts files processed by archive ingestion ("stored" or "failed").
	IngestedFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfv_ingested_files_total",
			Help: "Files processed by archive ingestion.",
		},
		[]string{"result"},
	)

	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cfv_ingest_duration_seconds",
		Help:    "Duration of archive ingestion requests.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	})

	// AuditRecords counts audit records by outcome ("written", "dropped", "failed").
	AuditRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfv_audit_records_total",
			Help: "Audit log records by outcome.",
		},
		[]string{"result"},
	)

	AuditQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cfv_audit_queue_depth",
		Help: "Audit records waiting to be written.",
	})

	LogsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cfv_logs_purged_total",
		Help: "Audit log records removed by retention.",
	})

	// FileCacheRequests counts metadata cache lookups ("hit" or "miss").
	FileCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfv_file_cache_requests_total",
			Help: "File metadata cache lookups.",
		},
		[]string{"result"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cfv_build_info",
			Help: "Build information.",
		},
		[]string{"version", "commit"},
	)
)

// SetBuildInfo publishes the running version.
func SetBuildInfo(version, commit string) {
	buildInfo.WithLabelValues(version, commit).Set(1)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
