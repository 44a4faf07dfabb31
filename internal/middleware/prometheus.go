package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PatchMetrics 补丁服务的 Prometheus 指标
// 指标注册在独立的 Registry 上，同一进程内可以创建多个实例
type PatchMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 任务指标
	jobsTotal      *prometheus.CounterVec
	jobsInProgress prometheus.Gauge
	jobDuration    *prometheus.HistogramVec

	// 补丁与签名
	patchesTotal *prometheus.CounterVec
	signingTotal *prometheus.CounterVec
	outputBytes  prometheus.Histogram

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolActive    prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge

	// 重试指标
	retryAttemptsTotal *prometheus.CounterVec
}

// NewPatchMetrics 创建指标收集器
func NewPatchMetrics(logger *logrus.Logger, namespace string) *PatchMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	pm := &PatchMetrics{
		logger:   logger,
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of patch jobs by status",
			},
			[]string{"status"}, // queued/running/completed/failed
		),
		jobsInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_in_progress",
				Help:      "Number of patch jobs currently running",
			},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Patch job duration in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		patchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "patches_total",
				Help:      "Total number of individual patches by kind and result",
			},
			[]string{"kind", "result"}, // kind: native/dex, result: applied/failed
		),
		signingTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signing_total",
				Help:      "Total number of signing attempts",
			},
			[]string{"signer", "result"},
		),
		outputBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "output_size_bytes",
				Help:      "Size of produced APK files",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 10),
			},
		),

		memoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_alloc_bytes",
				Help:      "Current heap allocation in bytes",
			},
		),
		goroutinesCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines",
				Help:      "Number of goroutines",
			},
		),
		gcCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		workerPoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Number of workers in the pool",
			},
		),
		workerPoolActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_active",
				Help:      "Number of workers currently running a job",
			},
		),
		workerPoolQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of jobs waiting in the pool queue",
			},
		),

		retryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation", "attempt"},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// Registry 返回底层 Registry
func (pm *PatchMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PatchMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 /metrics 的处理函数
func (pm *PatchMetrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// HTTPHandler 给非 gin 场景使用（CLI 的 --metrics-addr）
func (pm *PatchMetrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// RecordJobQueued 记录任务入队
func (pm *PatchMetrics) RecordJobQueued() {
	pm.jobsTotal.WithLabelValues("queued").Inc()
}

// RecordJobStarted 记录任务开始
func (pm *PatchMetrics) RecordJobStarted() {
	pm.jobsTotal.WithLabelValues("running").Inc()
	pm.jobsInProgress.Inc()
}

// RecordJobCompleted 记录任务完成
func (pm *PatchMetrics) RecordJobCompleted(duration time.Duration, outputSize int64) {
	pm.jobsTotal.WithLabelValues("completed").Inc()
	pm.jobsInProgress.Dec()
	pm.jobDuration.WithLabelValues("completed").Observe(duration.Seconds())
	if outputSize > 0 {
		pm.outputBytes.Observe(float64(outputSize))
	}
}

// RecordJobFailed 记录任务失败
func (pm *PatchMetrics) RecordJobFailed(duration time.Duration) {
	pm.jobsTotal.WithLabelValues("failed").Inc()
	pm.jobsInProgress.Dec()
	pm.jobDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

// RecordPatches 记录补丁结果
func (pm *PatchMetrics) RecordPatches(kind string, applied, failed int) {
	if applied > 0 {
		pm.patchesTotal.WithLabelValues(kind, "applied").Add(float64(applied))
	}
	if failed > 0 {
		pm.patchesTotal.WithLabelValues(kind, "failed").Add(float64(failed))
	}
}

// RecordSigning 记录签名结果
func (pm *PatchMetrics) RecordSigning(signer string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	if signer == "" {
		signer = "none"
	}
	pm.signingTotal.WithLabelValues(signer, result).Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PatchMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PatchMetrics) UpdateWorkerPoolStats(size, active, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolActive.Set(float64(active))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}

// RecordRetryAttempt 记录重试尝试
func (pm *PatchMetrics) RecordRetryAttempt(operation string, attempt int) {
	pm.retryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}
