package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var ErrJobNotFound = errors.New("job not found")

// JobFilter 列表查询条件
type JobFilter struct {
	Status   domain.JobStatus
	Version  string
	Page     int
	PageSize int
}

// JobStats 任务统计
type JobStats struct {
	Total          int64                      `json:"total"`
	ByStatus       map[domain.JobStatus]int64 `json:"by_status"`
	PatchesApplied int64                      `json:"patches_applied"`
	PatchesFailed  int64                      `json:"patches_failed"`
}

type JobRepository interface {
	Create(ctx context.Context, job *domain.JobRecord) error
	FindByID(ctx context.Context, id string) (*domain.JobRecord, error)
	List(ctx context.Context, filter JobFilter) ([]*domain.JobRecord, int64, error)
	// UpdateState 只更新状态机状态（进度回调频繁调用）
	UpdateState(ctx context.Context, id string, state domain.JobState) error
	MarkRunning(ctx context.Context, id string) error
	// MarkCompleted 写回结果字段，job 至少需要 ID
	MarkCompleted(ctx context.Context, job *domain.JobRecord) error
	MarkFailed(ctx context.Context, id string, state domain.JobState, failureType domain.FailureType, errorMessage string) error
	Stats(ctx context.Context) (*JobStats, error)
	Delete(ctx context.Context, id string) error
	// FailInterrupted 把上次运行中断的 running 任务标记为失败
	FailInterrupted(ctx context.Context) (int64, error)
	// QueuedIDs 排队中的任务，按创建时间先进先出
	QueuedIDs(ctx context.Context) ([]string, error)
}

type jobRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewJobRepository(db *gorm.DB, logger *logrus.Logger) JobRepository {
	return &jobRepo{
		db:     db,
		logger: logger,
	}
}

func (r *jobRepo) Create(ctx context.Context, job *domain.JobRecord) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *jobRepo) FindByID(ctx context.Context, id string) (*domain.JobRecord, error) {
	var job domain.JobRecord
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) List(ctx context.Context, filter JobFilter) ([]*domain.JobRecord, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 200 {
		filter.PageSize = 20
	}

	where := func(db *gorm.DB) *gorm.DB {
		if filter.Status != "" {
			db = db.Where("status = ?", filter.Status)
		}
		if filter.Version != "" {
			db = db.Where("app_version = ?", filter.Version)
		}
		return db
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.JobRecord{}).Scopes(where).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var jobs []*domain.JobRecord
	err := r.db.WithContext(ctx).
		Scopes(where).
		Omit("outcomes_json", "config_json").
		Order("created_at DESC").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&jobs).Error
	return jobs, total, err
}

func (r *jobRepo) UpdateState(ctx context.Context, id string, state domain.JobState) error {
	return r.updates(ctx, id, map[string]interface{}{"state": state})
}

func (r *jobRepo) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.updates(ctx, id, map[string]interface{}{
		"status":     domain.JobStatusRunning,
		"started_at": &now,
	})
}

func (r *jobRepo) MarkCompleted(ctx context.Context, job *domain.JobRecord) error {
	now := time.Now().UTC()
	job.Status = domain.JobStatusCompleted
	job.State = domain.StateDone
	job.CompletedAt = &now

	err := r.db.WithContext(ctx).
		Model(&domain.JobRecord{ID: job.ID}).
		Select("status", "state", "output_path", "app_version", "patches_applied", "patches_failed",
			"outcomes_json", "output_digest", "signer", "duration_ms", "completed_at").
		Updates(job).Error
	if err != nil {
		r.logger.WithError(err).WithField("job_id", job.ID).Error("Job update failed")
	}
	return err
}

func (r *jobRepo) MarkFailed(ctx context.Context, id string, state domain.JobState, failureType domain.FailureType, errorMessage string) error {
	now := time.Now().UTC()
	return r.updates(ctx, id, map[string]interface{}{
		"status":        domain.JobStatusFailed,
		"state":         state,
		"failure_type":  failureType,
		"error_message": errorMessage,
		"completed_at":  &now,
	})
}

func (r *jobRepo) updates(ctx context.Context, id string, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&domain.JobRecord{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		r.logger.WithError(res.Error).WithField("job_id", id).Error("Job update failed")
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// Stats 各状态任务数量和补丁累计数（数据库聚合查询）
func (r *jobRepo) Stats(ctx context.Context) (*JobStats, error) {
	type statusCount struct {
		Status  domain.JobStatus
		Count   int64
		Applied int64
		Failed  int64
	}

	var rows []statusCount
	err := r.db.WithContext(ctx).
		Model(&domain.JobRecord{}).
		Select("status, COUNT(*) as count, COALESCE(SUM(patches_applied), 0) as applied, COALESCE(SUM(patches_failed), 0) as failed").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		r.logger.WithError(err).Error("Failed to get job stats")
		return nil, err
	}

	stats := &JobStats{
		ByStatus: map[domain.JobStatus]int64{
			domain.JobStatusQueued:    0,
			domain.JobStatusRunning:   0,
			domain.JobStatusCompleted: 0,
			domain.JobStatusFailed:    0,
		},
	}
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.Count
		stats.Total += row.Count
		stats.PatchesApplied += row.Applied
		stats.PatchesFailed += row.Failed
	}
	return stats, nil
}

func (r *jobRepo) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&domain.JobRecord{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

func (r *jobRepo) FailInterrupted(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&domain.JobRecord{}).
		Where("status = ?", domain.JobStatusRunning).
		Updates(map[string]interface{}{
			"status":        domain.JobStatusFailed,
			"failure_type":  domain.FailureTypeInterrupted,
			"error_message": "服务重启，任务中断",
			"completed_at":  &now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to update interrupted jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *jobRepo) QueuedIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&domain.JobRecord{}).
		Where("status = ?", domain.JobStatusQueued).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query queued jobs: %w", err)
	}
	return ids, nil
}
