package middleware

import (
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`       // 当前分配的内存 (字节)
	Sys        uint64 `json:"sys"`         // 从系统获取的内存
	NumGC      uint32 `json:"num_gc"`      // GC 次数
	Goroutines int    `json:"goroutines"`  // Goroutine 数量
	AllocMB    uint64 `json:"alloc_mb"`
	SysMB      uint64 `json:"sys_mb"`
}

// highMemoryMB 超过该值打印告警，大 APK 的整包缓冲主要在这里体现
const highMemoryMB = 1536

// MemoryMonitor 定期采样运行时内存并同步到 PatchMetrics
type MemoryMonitor struct {
	logger   *logrus.Logger
	metrics  *PatchMetrics
	stats    MemoryStats
	mutex    sync.RWMutex
	stopChan chan struct{}
	stopOnce sync.Once
	interval time.Duration
}

// NewMemoryMonitor 创建内存监控器，metrics 可以为 nil
func NewMemoryMonitor(logger *logrus.Logger, metrics *PatchMetrics, interval time.Duration) *MemoryMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MemoryMonitor{
		logger:   logger,
		metrics:  metrics,
		stopChan: make(chan struct{}),
		interval: interval,
	}
}

// Start 启动内存监控
func (m *MemoryMonitor) Start() {
	m.Sample()
	go m.monitor()
}

// Stop 停止内存监控，可重复调用
func (m *MemoryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *MemoryMonitor) monitor() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample 采样一次
func (m *MemoryMonitor) Sample() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{
		Alloc:      ms.Alloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
		SysMB:      ms.Sys / 1024 / 1024,
	}

	m.mutex.Lock()
	m.stats = stats
	m.mutex.Unlock()

	if m.metrics != nil {
		m.metrics.UpdateMemoryStats(stats)
	}

	m.logger.WithFields(logrus.Fields{
		"alloc_mb":   stats.AllocMB,
		"sys_mb":     stats.SysMB,
		"num_gc":     stats.NumGC,
		"goroutines": stats.Goroutines,
	}).Debug("Memory stats")

	if stats.AllocMB > highMemoryMB {
		m.logger.WithFields(logrus.Fields{
			"alloc_mb": stats.AllocMB,
			"sys_mb":   stats.SysMB,
		}).Warn("⚠️  High memory usage detected")
	}
	return stats
}

// GetStats 获取最近一次采样
func (m *MemoryMonitor) GetStats() MemoryStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}

// MetricsEndpoint 以 JSON 返回内存统计
func (m *MemoryMonitor) MetricsEndpoint() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{
			"memory": m.GetStats(),
		})
	}
}
