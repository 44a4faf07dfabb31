package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/apk-patcher-go/internal/patcher"
	"github.com/apk-analysis/apk-patcher-go/internal/service"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// JobHandler 任务处理函数
type JobHandler func(ctx context.Context, msg *JobMessage) error

// Executor 执行已提交的任务，service.JobService 实现
type Executor interface {
	Execute(ctx context.Context, jobID string) (*patcher.Result, error)
}

// ExecuteHandler 用任务服务处理消息
// 重复投递的已结束任务视为成功，避免进入死信队列
func ExecuteHandler(exec Executor, logger *logrus.Logger) JobHandler {
	return func(ctx context.Context, msg *JobMessage) error {
		_, err := exec.Execute(ctx, msg.JobID)
		if errors.Is(err, service.ErrJobFinished) {
			logger.WithField("job_id", msg.JobID).Warn("⚠️  Job already finished, dropping redelivered message")
			return nil
		}
		return err
	}
}

// DeliverySource 消息来源，*RabbitMQ 实现
type DeliverySource interface {
	Consume() (<-chan amqp.Delivery, error)
	StartConnectionWatcher()
	GetReconnectChan() <-chan bool
	Reconnect() error
}

// Consumer 消息消费者
type Consumer struct {
	mq            DeliverySource
	logger        *logrus.Logger
	handler       JobHandler
	workerPool    int
	workerWg      sync.WaitGroup
	activeWorkers int32
	processed     atomic.Int64
	failed        atomic.Int64
	mu            sync.Mutex
	running       bool
	cancelFunc    context.CancelFunc // 用于取消当前所有 worker
	watchOnce     sync.Once
}

// NewConsumer 创建消费者
func NewConsumer(mq DeliverySource, handler JobHandler, workerPool int, logger *logrus.Logger) *Consumer {
	if workerPool <= 0 {
		workerPool = 1
	}

	return &Consumer{
		mq:         mq,
		logger:     logger,
		handler:    handler,
		workerPool: workerPool,
	}
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startWorkers(ctx); err != nil {
		return err
	}

	c.watchOnce.Do(func() {
		c.mq.StartConnectionWatcher()
		go c.handleReconnect(ctx)
	})
	return nil
}

func (c *Consumer) startWorkers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}

	c.logger.Infof("Starting consumer with %d workers", c.workerPool)

	msgs, err := c.mq.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.running = true

	for i := 0; i < c.workerPool; i++ {
		c.workerWg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}

	c.logger.Info("Consumer started successfully")
	return nil
}

// worker 工作协程
func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()
	atomic.AddInt32(&c.activeWorkers, 1)
	defer atomic.AddInt32(&c.activeWorkers, -1)

	c.logger.Debugf("Worker %d started", id)

	for {
		select {
		case <-ctx.Done():
			c.logger.Debugf("Worker %d stopped by context", id)
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warnf("Worker %d: message channel closed", id)
				return
			}
			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage 处理单条消息
func (c *Consumer) processMessage(ctx context.Context, workerID int, delivery amqp.Delivery) {
	startTime := time.Now()

	var msg JobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil || msg.JobID == "" {
		c.logger.WithError(err).Error("Failed to unmarshal message")
		c.failed.Add(1)
		delivery.Nack(false, false) // 拒绝消息, 不重新入队
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"worker_id":   workerID,
		"job_id":      msg.JobID,
		"redelivered": delivery.Redelivered,
	})
	log.Info("Processing job")

	if err := c.handler(ctx, &msg); err != nil {
		log.WithError(err).WithField("failure_type", patcher.FailureOf(err)).Error("Job processing failed")
		c.failed.Add(1)
		// 失败结果已写入任务记录，消息不重新入队
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			log.WithError(nackErr).Error("Failed to reject message")
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")
	}
	c.processed.Add(1)

	log.WithField("duration", time.Since(startTime).Seconds()).Info("Job completed successfully")
}

// handleReconnect 处理重连
func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.mq.GetReconnectChan():
			if !ok {
				c.logger.Info("Reconnect channel closed, stopping reconnect handler")
				return
			}

			c.logger.Warn("Connection lost, attempting to reconnect...")
			c.stopWorkers()

			if err := c.mq.Reconnect(); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, will retry on next signal")
				continue
			}

			if err := c.startWorkers(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// stopWorkers 停止所有 worker（等待当前任务完成，最多 30 秒）
func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("All workers stopped gracefully")
	case <-time.After(30 * time.Second):
		c.logger.Warn("Timeout waiting for workers to stop")
	}
}

// Stop 停止消费者并等待 worker 退出
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")

	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	c.workerWg.Wait()
	c.logger.Info("Consumer stopped")
}

// GetActiveWorkers 获取活跃 worker 数量
func (c *Consumer) GetActiveWorkers() int {
	return int(atomic.LoadInt32(&c.activeWorkers))
}

// Counts 已确认和已拒绝的消息数
func (c *Consumer) Counts() (processed, failed int64) {
	return c.processed.Load(), c.failed.Load()
}

// IsRunning 检查消费者是否正在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
