package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestMetrics(t *testing.T) *PatchMetrics {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewPatchMetrics(logger, "apkpatch_test")
}

func TestPatchMetrics_IndependentRegistries(t *testing.T) {
	// 同名 namespace 重复创建不应 panic
	a := setupTestMetrics(t)
	b := setupTestMetrics(t)
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestHTTPMiddleware(t *testing.T) {
	pm := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pm.HTTPMiddleware())
	router.GET("/api/jobs/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/api/jobs/"+id, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	// 路径按路由模板聚合
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "/api/jobs/:id", "200")))
}

func TestRecordJobLifecycle(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordJobQueued()
	pm.RecordJobStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.jobsInProgress))

	pm.RecordJobCompleted(3*time.Second, 4<<20)
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.jobsInProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.jobsTotal.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.jobsTotal.WithLabelValues("completed")))

	pm.RecordJobStarted()
	pm.RecordJobFailed(time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.jobsTotal.WithLabelValues("failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.jobDuration))
}

func TestRecordPatchesAndSigning(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordPatches("native", 3, 1)
	pm.RecordPatches("dex", 2, 0)
	pm.RecordSigning("builtin-v1", true)
	pm.RecordSigning("", false)

	assert.Equal(t, 3.0, testutil.ToFloat64(pm.patchesTotal.WithLabelValues("native", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.patchesTotal.WithLabelValues("native", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.patchesTotal.WithLabelValues("dex", "applied")))
	// 0 不创建序列
	assert.Equal(t, 3, testutil.CollectAndCount(pm.patchesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.signingTotal.WithLabelValues("none", "failure")))
}

func TestUpdateWorkerPoolStats(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateWorkerPoolStats(4, 2, 7)

	assert.Equal(t, 4.0, testutil.ToFloat64(pm.workerPoolSize))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.workerPoolActive))
	assert.Equal(t, 7.0, testutil.ToFloat64(pm.workerPoolQueueSize))
}

func TestMemoryMonitor_Sample(t *testing.T) {
	pm := setupTestMetrics(t)
	mon := NewMemoryMonitor(pm.logger, pm, time.Hour)

	stats := mon.Sample()
	assert.Greater(t, stats.Goroutines, 0)
	assert.Equal(t, stats, mon.GetStats())
	assert.Equal(t, float64(stats.Goroutines), testutil.ToFloat64(pm.goroutinesCount))

	mon.Start()
	mon.Stop()
	mon.Stop()
}

func TestMetricsHandler(t *testing.T) {
	pm := setupTestMetrics(t)
	pm.RecordJobQueued()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", pm.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, `apkpatch_test_jobs_total{status="queued"} 1`))
	assert.Contains(t, body, "go_goroutines")
}

func TestTokenAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusOK},
		{"missing header", "secret-token", "", http.StatusUnauthorized},
		{"not bearer", "secret-token", "secret-token", http.StatusUnauthorized},
		{"wrong token", "secret-token", "Bearer other", http.StatusUnauthorized},
		{"ok", "secret-token", "Bearer secret-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(TokenAuth(tt.token))
			router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest("GET", "/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
