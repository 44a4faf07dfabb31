package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apk-analysis/apk-patcher-go/internal/api"
	"github.com/apk-analysis/apk-patcher-go/internal/api/handlers"
	"github.com/apk-analysis/apk-patcher-go/internal/catalog"
	"github.com/apk-analysis/apk-patcher-go/internal/config"
	"github.com/apk-analysis/apk-patcher-go/internal/middleware"
	"github.com/apk-analysis/apk-patcher-go/internal/queue"
	"github.com/apk-analysis/apk-patcher-go/internal/repository"
	"github.com/apk-analysis/apk-patcher-go/internal/service"
	"github.com/apk-analysis/apk-patcher-go/internal/watcher"
	"github.com/apk-analysis/apk-patcher-go/internal/worker"
	"github.com/sirupsen/logrus"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("APK Patch Service\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := "./configs/config.yaml"
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = "" // 没有配置文件时使用默认值和环境变量
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting APK Patch Service %s", Version)
	if configPath != "" {
		logger.Infof("Config loaded from: %s", configPath)
	} else {
		logger.Info("No config file found, using defaults")
	}

	// 4. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")
	jobRepo := repository.NewJobRepository(db, logger)

	// 5. 监控
	promMetrics := middleware.NewPatchMetrics(logger, "apkpatch")
	memMonitor := middleware.NewMemoryMonitor(logger, promMetrics, 30*time.Second)
	memMonitor.Start()

	// 6. 签名与编排器
	retryCfg := service.RetryConfig(cfg.Retry, logger, promMetrics.RecordRetryAttempt)
	signerFor, err := service.NewSignerFactory(logger, cfg, retryCfg)
	if err != nil {
		logger.Fatalf("Invalid signing config: %v", err)
	}
	orchestrator := service.NewOrchestrator(logger, cfg, signerFor)

	// 7. 进度推送
	hub := handlers.NewProgressHub(logger, logger.IsLevelEnabled(logrus.DebugLevel))
	hub.Start()

	// 8. 任务服务
	jobService := service.NewJobService(logger, service.Deps{
		Repo:    jobRepo,
		Catalog: catalog.New(logger, cfg.Patch.CatalogDir),
		Runner:  orchestrator,
		Metrics: promMetrics,
		Sinks:   hub.Sink,
	}, service.Options{
		OutputDir:  cfg.Patch.OutputDir,
		Strict:     cfg.Patch.Strict,
		RestoreCRC: cfg.Patch.RestoreCRC,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 9. 执行端: RabbitMQ 或本地 Worker 池
	var (
		dispatcher handlers.Dispatcher
		mq         *queue.RabbitMQ
		consumer   *queue.Consumer
		pool       *worker.Pool
	)
	if cfg.RabbitMQ.Enabled {
		mqCfg := queue.FromConfig(cfg.RabbitMQ)
		if mqCfg.Prefetch < cfg.Worker.Concurrency {
			mqCfg.Prefetch = cfg.Worker.Concurrency
		}
		mq, err = queue.NewRabbitMQ(mqCfg, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		dispatcher = queue.NewProducer(mq, logger)

		// 以数据库为准重建队列
		if purged, err := mq.PurgeQueue(); err != nil {
			logger.WithError(err).Warn("Failed to purge queue, continuing with republish...")
		} else if purged > 0 {
			logger.WithField("purged_count", purged).Info("Cleared stale messages from queue")
		}

		consumer = queue.NewConsumer(mq, queue.ExecuteHandler(jobService, logger), cfg.Worker.Concurrency, logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
	} else {
		pool = worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, jobService, promMetrics, logger)
		pool.Start(ctx)
		dispatcher = pool
	}

	if _, err := service.Recover(ctx, jobRepo, dispatcher.Dispatch, logger); err != nil {
		logger.WithError(err).Warn("Job recovery incomplete")
	}

	// 10. 收件目录监听
	var inbox *watcher.FileWatcher
	if cfg.Watcher.Enabled {
		inbox, err = watcher.NewFileWatcher(cfg.Watcher.InboxDir, watcher.Options{
			Debounce:     time.Duration(cfg.Watcher.Debounce) * time.Millisecond,
			ScanExisting: cfg.Watcher.ScanExisting,
		}, watcher.SubmitHandler(jobService, dispatcher, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create inbox watcher: %v", err)
		}
		if err := inbox.Start(ctx); err != nil {
			logger.Fatalf("Failed to start inbox watcher: %v", err)
		}
	}

	// 11. HTTP Server
	router := api.SetupRouter(cfg, logger, api.Deps{
		Jobs:       jobService,
		Dispatcher: dispatcher,
		Hub:        hub,
		Metrics:    promMetrics,
		Memory:     memMonitor,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // 支持大文件上传
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 12. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	// 13. 优雅关闭 (30秒超时)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	if inbox != nil {
		if err := inbox.Stop(); err != nil {
			logger.WithError(err).Warn("Failed to stop inbox watcher")
		}
	}

	// 排队中的任务保留在数据库，下次启动时重新分发
	if consumer != nil {
		cancel()
		consumer.Stop()
		mq.Close()
	}
	if pool != nil {
		cancel()
		pool.Stop()
	}

	hub.Stop()
	memMonitor.Stop()

	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.Close()
	}

	logger.Info("Server stopped")
}
