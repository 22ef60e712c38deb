package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatvault_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatvault_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Write path
	MessagesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatvault_messages_queued_total",
			Help: "Messages pushed onto a pending queue",
		},
	)

	WriteThroughs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatvault_write_through_total",
			Help: "Messages written straight to the archive because the cache was down",
		},
	)

	MessagesArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatvault_messages_archived_total",
			Help: "Messages merged into day buckets",
		},
	)

	// Flush worker
	FlushRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatvault_flush_runs_total",
			Help: "Flush sweeps over all rooms",
		},
	)

	FlushedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatvault_flushed_messages_total",
			Help: "Messages drained from pending queues into the archive",
		},
	)

	FlushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatvault_flush_failures_total",
			Help: "Per-room flush failures",
		},
	)

	// Infrastructure metrics
	BlobLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatvault_blob_latency_seconds",
			Help:    "Object store operation latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"backend", "op"},
	)

	BlobBytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatvault_blob_bytes_written_total",
			Help: "Compressed bytes written to the object store",
		},
		[]string{"backend"},
	)

	CacheAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatvault_cache_available",
			Help: "1 when the Redis cache tier is usable",
		},
	)
)
