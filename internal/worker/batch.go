package worker

import (
	"context"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/patcher"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// RunFunc 执行单个任务配置
type RunFunc func(ctx context.Context, cfg domain.JobConfig) (*patcher.Result, error)

// BatchResult 批量任务中单个任务的结果
type BatchResult struct {
	Config domain.JobConfig
	Result *patcher.Result
	Err    error
}

// RunBatch 并发执行相互独立的任务，最多 limit 个同时运行
// 单个任务失败不影响其他任务，结果顺序与 jobs 一致；只有 ctx 取消时返回错误
func RunBatch(ctx context.Context, logger *logrus.Logger, jobs []domain.JobConfig, limit int, run RunFunc) ([]BatchResult, error) {
	if limit < 1 {
		limit = 1
	}
	results := make([]BatchResult, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range jobs {
		i := i
		results[i].Config = jobs[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return err
			}
			res, err := run(gctx, jobs[i])
			results[i].Result = res
			results[i].Err = err
			if err != nil {
				logger.WithError(err).WithField("input", jobs[i].InputPath).Warn("⚠️  Batch job failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

// Failed 失败的任务数
func Failed(results []BatchResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
