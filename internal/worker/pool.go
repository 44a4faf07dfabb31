package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apk-analysis/apk-patcher-go/internal/patcher"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull 队列已满
var ErrQueueFull = errors.New("task queue is full")

// ErrPoolStopped 池已停止
var ErrPoolStopped = errors.New("worker pool stopped")

// Executor 执行已提交的任务，service.JobService 实现
type Executor interface {
	Execute(ctx context.Context, jobID string) (*patcher.Result, error)
}

// StatsRecorder Worker Pool 指标
type StatsRecorder interface {
	UpdateWorkerPoolStats(size, active, queueSize int)
}

// Task 任务
type Task struct {
	ID       string
	resultCh chan error // 用于同步等待任务完成
}

// Pool Worker 池
type Pool struct {
	workers  int
	taskChan chan *Task
	executor Executor
	stats    StatsRecorder
	logger   *logrus.Logger
	wg       sync.WaitGroup
	active   atomic.Int32

	mu      sync.RWMutex
	stopped bool
}

// NewPool 创建 Worker 池，stats 可以为 nil
func NewPool(workers, queueSize int, executor Executor, stats StatsRecorder, logger *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}
	return &Pool{
		workers:  workers,
		taskChan: make(chan *Task, queueSize),
		executor: executor,
		stats:    stats,
		logger:   logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.report()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				p.logger.WithField("worker_id", id).Debug("Task channel closed, worker exiting")
				return
			}
			p.process(ctx, id, task)
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID int, task *Task) {
	p.active.Add(1)
	p.report()
	defer func() {
		p.active.Add(-1)
		p.report()
	}()

	log := p.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"job_id":    task.ID,
	})
	log.Info("Processing job")

	_, err := p.executor.Execute(ctx, task.ID)
	if err != nil {
		log.WithError(err).WithField("failure_type", patcher.FailureOf(err)).Error("Job execution failed")
	} else {
		log.Info("Job completed successfully")
	}

	if task.resultCh != nil {
		task.resultCh <- err
		close(task.resultCh)
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(jobID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskChan <- &Task{ID: jobID}:
		p.logger.WithField("job_id", jobID).Debug("Job submitted to pool")
		p.report()
		return nil
	default:
		return fmt.Errorf("%w (%d)", ErrQueueFull, cap(p.taskChan))
	}
}

// Dispatch 与队列生产者相同的签名，供服务入口统一分发
func (p *Pool) Dispatch(_ context.Context, jobID string) error {
	return p.Submit(jobID)
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, jobID string) error {
	task := &Task{ID: jobID, resultCh: make(chan error, 1)}

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.taskChan <- task:
		p.mu.RUnlock()
		p.logger.WithField("job_id", jobID).Debug("Job submitted to pool (sync)")
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-task.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收新任务，等待已排队的任务执行完
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.taskChan)
}

// Active 正在执行的任务数
func (p *Pool) Active() int {
	return int(p.active.Load())
}

func (p *Pool) report() {
	if p.stats != nil {
		p.stats.UpdateWorkerPoolStats(p.workers, p.Active(), len(p.taskChan))
	}
}
