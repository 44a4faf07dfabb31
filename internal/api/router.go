package api

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/apk-analysis/apk-patcher-go/internal/api/handlers"
	"github.com/apk-analysis/apk-patcher-go/internal/config"
	"github.com/apk-analysis/apk-patcher-go/internal/middleware"
	"github.com/apk-analysis/apk-patcher-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Deps 路由依赖，Hub / Metrics / Memory 可以为空
type Deps struct {
	Jobs       service.JobService
	Dispatcher handlers.Dispatcher
	Hub        *handlers.ProgressHub
	Metrics    *middleware.PatchMetrics
	Memory     *middleware.MemoryMonitor
}

func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps Deps) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	// Prometheus 监控中间件
	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
		r.GET("/metrics", deps.Metrics.Handler())
	}
	if deps.Memory != nil {
		r.GET("/debug/memory", deps.Memory.MetricsEndpoint())
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	jobHandler := handlers.NewJobHandler(
		deps.Jobs,
		deps.Dispatcher,
		filepath.Join(cfg.DataDir, "uploads"),
		cfg.Server.MaxUploadMB,
		logger,
	)

	api := r.Group("/api")
	api.Use(middleware.TokenAuth(cfg.Server.APIToken))
	{
		api.POST("/jobs", jobHandler.CreateJob)
		api.GET("/jobs", jobHandler.ListJobs)
		api.GET("/jobs/:id", jobHandler.GetJob)
		api.GET("/jobs/:id/download", jobHandler.DownloadOutput)
		api.DELETE("/jobs/:id", jobHandler.DeleteJob)
		api.GET("/stats", jobHandler.GetStats)
	}

	// 进度推送（浏览器 WebSocket 无法带 Authorization 头，不做认证）
	if deps.Hub != nil {
		r.GET("/ws/jobs", deps.Hub.HandleWebSocket)
		r.GET("/ws/jobs/:id", deps.Hub.HandleWebSocket)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()

		entry := logger.WithFields(logrus.Fields{
			"status":  statusCode,
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": latency.Milliseconds(),
		})
		if statusCode >= http.StatusInternalServerError {
			entry.Warn("HTTP Request")
			return
		}
		entry.Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
