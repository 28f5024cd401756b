package telemetry

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flightcache/flightcache/common/models"
)

// PrometheusHook publishes dispatcher and pool events as Prometheus metrics
// on its own registry.
type PrometheusHook struct {
	registry *prometheus.Registry

	submissions   prometheus.Counter
	cacheHits     prometheus.Counter
	dedupJoins    prometheus.Counter
	completions   *prometheus.CounterVec
	errors        *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	activeWorkers prometheus.Gauge
	jobLatency    prometheus.Histogram
	artifactSize  prometheus.Histogram
}

func NewPrometheusHook() *PrometheusHook {
	registry := prometheus.NewRegistry()
	h := &PrometheusHook{
		registry: registry,
		submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flight_query_submissions_total",
			Help: "Queries accepted for processing.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flight_cache_hits_total",
			Help: "Submissions that resolved to an already-ready artifact.",
		}),
		dedupJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flight_dedup_joins_total",
			Help: "Submissions that joined an in-flight job for the same fingerprint.",
		}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flight_job_completions_total",
			Help: "Jobs reaching a terminal status.",
		}, []string{"status"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flight_job_errors_total",
			Help: "Failed jobs by error code.",
		}, []string{"code"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flight_queue_depth",
			Help: "Jobs waiting in the worker pool queue.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flight_active_workers",
			Help: "Workers currently executing a job.",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flight_job_duration_seconds",
			Help:    "Time from job creation to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms .. ~5m
		}),
		artifactSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flight_artifact_size_bytes",
			Help:    "Size of stored result artifacts.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KiB .. 256GiB
		}),
	}
	registry.MustRegister(
		h.submissions,
		h.cacheHits,
		h.dedupJoins,
		h.completions,
		h.errors,
		h.queueDepth,
		h.activeWorkers,
		h.jobLatency,
		h.artifactSize,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flight_resident_memory_bytes",
			Help: "Memory obtained from the OS by the Go runtime.",
		}, func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.Sys)
		}),
	)
	return h
}

// Registry returns the registry holding this hook's metrics, for exposition
// via promhttp and for registering HTTP middleware metrics alongside.
func (h *PrometheusHook) Registry() *prometheus.Registry {
	return h.registry
}

func (h *PrometheusHook) QuerySubmitted() {
	h.submissions.Inc()
}

func (h *PrometheusHook) CacheHit() {
	h.cacheHits.Inc()
}

func (h *PrometheusHook) DedupJoin() {
	h.dedupJoins.Inc()
}

func (h *PrometheusHook) JobCompleted(status models.JobStatus, errorCode *models.ErrorCode, latency time.Duration, artifactBytes int64) {
	h.completions.WithLabelValues(status.String()).Inc()
	if errorCode != nil {
		h.errors.WithLabelValues(errorCode.String()).Inc()
	}
	h.jobLatency.Observe(latency.Seconds())
	if status == models.JobStatusReady {
		h.artifactSize.Observe(float64(artifactBytes))
	}
}

func (h *PrometheusHook) SetQueueDepth(depth int) {
	h.queueDepth.Set(float64(depth))
}

func (h *PrometheusHook) SetActiveWorkers(count int) {
	h.activeWorkers.Set(float64(count))
}
