package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	witRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wit_registry_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	witRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wit_registry_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	witSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wit_registry_submissions_total",
		Help: "Total record submissions by response status.",
	}, []string{"status"})

	witLogAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wit_registry_log_appends_total",
		Help: "Total records appended to the log.",
	})

	witCheckpointLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wit_registry_checkpoint_length",
		Help: "Length of the latest published checkpoint.",
	})

	witHealthProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wit_registry_health_probes_total",
		Help: "Total health probe runs by probe and result.",
	}, []string{"probe", "result"})

	witContentUploadBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wit_registry_content_upload_bytes",
		Help:    "Size of uploaded package content.",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		witRequestsTotal.WithLabelValues(method, path, status).Inc()
		witRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordSubmission records a submission outcome by HTTP status.
func RecordSubmission(status int) {
	witSubmissionsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

// RecordSequenced records a sequencing pass. It matches
// service.SequenceObserver.
func RecordSequenced(included int, checkpointLength int64) {
	witLogAppendsTotal.Add(float64(included))
	witCheckpointLength.Set(float64(checkpointLength))
}

// RecordContentUpload records the size of an uploaded package.
func RecordContentUpload(size int) {
	witContentUploadBytes.Observe(float64(size))
}

// RecordHealthProbe records one health probe result. It matches
// health.MetricsRecordFunc.
func RecordHealthProbe(probe string, success bool) {
	result := "ok"
	if !success {
		result = "fail"
	}
	witHealthProbesTotal.WithLabelValues(probe, result).Inc()
}
