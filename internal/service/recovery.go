package service

import (
	"context"
	"fmt"

	"github.com/apk-analysis/apk-patcher-go/internal/repository"
	"github.com/sirupsen/logrus"
)

// DispatchFunc 把任务交给执行端
type DispatchFunc func(ctx context.Context, jobID string) error

// RecoveryReport 启动恢复结果
type RecoveryReport struct {
	Interrupted int64
	Requeued    int
	Failed      int
}

// Recover 服务启动时以数据库为准重建执行队列
// 上次运行中断的任务标记为失败，排队中的任务按创建顺序重新分发
func Recover(ctx context.Context, repo repository.JobRepository, dispatch DispatchFunc, logger *logrus.Logger) (RecoveryReport, error) {
	var report RecoveryReport

	n, err := repo.FailInterrupted(ctx)
	if err != nil {
		return report, err
	}
	report.Interrupted = n
	if n > 0 {
		logger.WithField("count", n).Warn("⚠️  Marked interrupted jobs as failed")
	}

	ids, err := repo.QueuedIDs(ctx)
	if err != nil {
		return report, err
	}
	if len(ids) == 0 {
		logger.Info("No queued jobs to recover")
		return report, nil
	}

	for _, id := range ids {
		if err := dispatch(ctx, id); err != nil {
			report.Failed++
			logger.WithError(err).WithField("job_id", id).Error("Failed to redispatch job")
			continue
		}
		report.Requeued++
	}

	logger.WithFields(logrus.Fields{
		"total":   len(ids),
		"success": report.Requeued,
		"failed":  report.Failed,
	}).Info("Queued jobs redispatched")

	if report.Failed > 0 {
		return report, fmt.Errorf("%d of %d queued jobs could not be redispatched", report.Failed, len(ids))
	}
	return report, nil
}
