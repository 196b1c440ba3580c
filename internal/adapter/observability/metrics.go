package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_consumed_total",
			Help: "Jobs popped from a queue",
		},
		[]string{"queue"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Jobs finished successfully",
		},
		[]string{"queue"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Jobs failed, labelled by error kind",
		},
		[]string{"queue", "kind"},
	)
	JobsRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_requeued_total",
			Help: "Jobs pushed back to a queue without consuming retry budget",
		},
		[]string{"queue"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Per-job processing duration",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"queue"},
	)

	PoolWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "analysis_pool_workers",
			Help: "Current analysis pool worker count",
		},
	)
	PoolRebuildsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analysis_pool_rebuilds_total",
			Help: "Pool recreations after a crash or health-probe failure",
		},
	)

	ModelLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "model_loaded",
			Help: "1 while the scorer model is resident",
		},
	)
	EncodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "encode_duration_seconds",
			Help:    "Model encode duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"op"},
	)

	TextEmbedResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "text_embed_responses_total",
			Help: "Responses published to per-request keys",
		},
		[]string{"status"},
	)

	URLCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "url_cache_hits_total",
			Help: "URL cache lookups by outcome",
		},
		[]string{"outcome"},
	)
	ProxyBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_bytes_total",
			Help: "Bytes streamed through the byte-range proxy",
		},
	)
	ProxyRefreshTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_url_refresh_total",
			Help: "Upstream 401/403 responses that triggered a re-extraction",
		},
	)
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Authenticated sessions held by the registry",
		},
	)
)

var registerOnce sync.Once

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal, HTTPRequestDuration,
			JobsConsumedTotal, JobsCompletedTotal, JobsFailedTotal, JobsRequeuedTotal, JobDuration,
			PoolWorkers, PoolRebuildsTotal,
			ModelLoaded, EncodeDuration,
			TextEmbedResponsesTotal,
			URLCacheHitsTotal, ProxyBytesTotal, ProxyRefreshTotal, ActiveSessions,
		)
	})
}
