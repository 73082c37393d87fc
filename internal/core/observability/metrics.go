package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Cache lookups by outcome and serving tier.",
		},
		[]string{"cache", "outcome", "tier"},
	)

	cacheOpTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Persistent store operations by result.",
		},
		[]string{"cache", "op", "result"},
	)

	cacheOpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Latency of persistent store operations.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
		},
		[]string{"cache", "op"},
	)

	cacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Entries removed from the cache by reason.",
		},
		[]string{"cache", "reason"},
	)

	genQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genqueue_depth",
			Help: "Pending background generation requests.",
		},
		[]string{"cache"},
	)

	genJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genqueue_jobs_total",
			Help: "Background generation jobs by result.",
		},
		[]string{"cache", "result"},
	)

	genDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genqueue_job_duration_seconds",
			Help:    "Time spent generating one artifact.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"cache"},
	)

	analysisDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analysis_duration_seconds",
			Help:    "Duration of cluster and heatmap analysis.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
		},
		[]string{"kind"},
	)

	clusterResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_analysis_total",
			Help: "Cluster analysis outcomes.",
		},
		[]string{"outcome"},
	)

	heatmapHotspots = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "heatmap_hotspots",
			Help:    "Number of hotspots per generated heatmap.",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		},
	)

	invalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidation_events_total",
			Help: "Invalidation events processed by op and result.",
		},
		[]string{"cache", "op", "result"},
	)

	invalidationLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "invalidation_consumer_lag",
			Help: "Invalidation events behind the partition high water mark.",
		},
		[]string{"partition"},
	)

	kafkaConsumerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_consumer_errors_total",
			Help: "Kafka consumer errors by kind.",
		},
		[]string{"kind"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

// tier is "memory" or "persistent" for hits and empty for misses
func IncCacheHit(cache, tier string) {
	cacheResults.WithLabelValues(cache, "hit", tier).Inc()
}

func IncCacheMiss(cache string) {
	cacheResults.WithLabelValues(cache, "miss", "").Inc()
}

func ObserveCacheOp(cache, op string, err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	cacheOpTotal.WithLabelValues(cache, op, res).Inc()
	cacheOpDurationSeconds.WithLabelValues(cache, op).Observe(durationSeconds)
}

func AddEvictions(cache, reason string, n int) {
	if n <= 0 {
		return
	}
	cacheEvictions.WithLabelValues(cache, reason).Add(float64(n))
}

func SetQueueDepth(cache string, n int) {
	genQueueDepth.WithLabelValues(cache).Set(float64(n))
}

func ObserveGeneration(cache string, err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	genJobs.WithLabelValues(cache, res).Inc()
	genDurationSeconds.WithLabelValues(cache).Observe(durationSeconds)
}

func AddGenerationDropped(cache string, n int) {
	if n <= 0 {
		return
	}
	genJobs.WithLabelValues(cache, "dropped").Add(float64(n))
}

func ObserveAnalysis(kind string, durationSeconds float64) {
	analysisDurationSeconds.WithLabelValues(kind).Observe(durationSeconds)
}

func IncClusterOutcome(outcome string) {
	clusterResults.WithLabelValues(outcome).Inc()
}

func ObserveHotspots(n int) {
	heatmapHotspots.Observe(float64(n))
}

func ObserveInvalidation(cache, op string, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	invalidationsTotal.WithLabelValues(cache, op, res).Inc()
}

func SetInvalidationLag(partition int32, lag int64) {
	invalidationLag.WithLabelValues(strconv.FormatInt(int64(partition), 10)).Set(float64(max(lag, 0)))
}

func IncKafkaConsumerError(kind string) {
	kafkaConsumerErrors.WithLabelValues(kind).Inc()
}
