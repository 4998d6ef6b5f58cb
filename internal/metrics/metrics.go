package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stream",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stream",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	StreamedBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stream",
		Name:      "streamed_bytes_total",
		Help:      "Bytes delivered to HTTP clients by source strategy.",
	}, []string{"source"})

	FetchChunksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stream",
		Name:      "fetch_chunks_total",
		Help:      "Total chunks fetched by parallel fetch workers.",
	})

	FetchWorkerErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stream",
		Name:      "fetch_worker_errors_total",
		Help:      "Total parallel fetch worker failures (short reads included).",
	})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stream",
		Name:      "cache_hits_total",
		Help:      "Requests served entirely from the local disk cache.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stream",
		Name:      "cache_misses_total",
		Help:      "Requests that fell through to a backend fetch.",
	})

	CacheWarmStartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stream",
		Name:      "cache_warm_starts_total",
		Help:      "Background full-file cache warms started.",
	})

	CacheWarmFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stream",
		Name:      "cache_warm_failures_total",
		Help:      "Background cache warms that did not produce a cache entry.",
	})

	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stream",
		Name:      "cache_evictions_total",
		Help:      "Files deleted by the cache trimmer.",
	})

	CacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stream",
		Name:      "cache_size_bytes",
		Help:      "Total size of completed files under the cache root.",
	})

	HLSActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stream",
		Name:      "hls_active_jobs",
		Help:      "Number of currently running HLS transcode jobs.",
	})

	HLSJobStartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stream",
		Name:      "hls_job_starts_total",
		Help:      "Total HLS transcode jobs started.",
	})

	HLSJobFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stream",
		Name:      "hls_job_failures_total",
		Help:      "HLS jobs that exhausted every transcode strategy.",
	})

	HLSStrategyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stream",
		Name:      "hls_strategy_total",
		Help:      "HLS transcode attempts by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	HLSTranscodeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stream",
		Name:      "hls_transcode_duration_seconds",
		Help:      "Wall time of successful HLS transcode jobs.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		StreamedBytesTotal,
		FetchChunksTotal,
		FetchWorkerErrorsTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheWarmStartsTotal,
		CacheWarmFailuresTotal,
		CacheEvictionsTotal,
		CacheSizeBytes,
		HLSActiveJobs,
		HLSJobStartsTotal,
		HLSJobFailuresTotal,
		HLSStrategyTotal,
		HLSTranscodeDuration,
	)
}
