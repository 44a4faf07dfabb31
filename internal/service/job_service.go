package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apk-analysis/apk-patcher-go/internal/catalog"
	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/patcher"
	"github.com/apk-analysis/apk-patcher-go/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidRequest = errors.New("invalid job request")
	// ErrJobFinished 任务已经结束（队列重复投递时出现）
	ErrJobFinished = errors.New("job already finished")
)

// Runner 执行补丁任务，*patcher.Orchestrator 实现
type Runner interface {
	Run(ctx context.Context, cfg domain.JobConfig, sink patcher.ProgressSink) (*patcher.Result, error)
}

// Recorder 任务指标，*middleware.PatchMetrics 实现
type Recorder interface {
	RecordJobQueued()
	RecordJobStarted()
	RecordJobCompleted(duration time.Duration, outputSize int64)
	RecordJobFailed(duration time.Duration)
	RecordPatches(kind string, applied, failed int)
	RecordSigning(signer string, ok bool)
}

// SinkFactory 为任务创建额外的进度回调（WebSocket 推送等）
type SinkFactory func(jobID string) patcher.ProgressSink

// SubmitRequest 提交任务的参数
type SubmitRequest struct {
	InputPath string `json:"input_path"`
	// InputName 原始文件名，为空时取 InputPath 的文件名
	InputName string `json:"input_name,omitempty"`
	// Version 为空时从 APK 中识别
	Version string `json:"version,omitempty"`
	// Patches 为空时从补丁目录加载
	Patches         *domain.PatchSet `json:"patches,omitempty"`
	DeltaPath       string           `json:"delta_path,omitempty"`
	DeltaTarget     string           `json:"delta_target,omitempty"`
	OutputPath      string           `json:"output_path,omitempty"`
	SigningMaterial string           `json:"signing_material,omitempty"`
	// Strict / RestoreCRC 为 nil 时使用服务默认值
	Strict     *bool  `json:"strict,omitempty"`
	RestoreCRC   *bool  `json:"restore_crc,omitempty"`
	BypassPairip bool   `json:"bypass_pairip,omitempty"`
	SkipSign     bool   `json:"skip_sign,omitempty"`
	Source       string `json:"source,omitempty"`
}

// Options 服务默认值
type Options struct {
	OutputDir  string
	Strict     bool
	RestoreCRC bool
}

// Deps 服务依赖，Metrics 和 Sinks 可以为空
type Deps struct {
	Repo    repository.JobRepository
	Catalog *catalog.Catalog
	Runner  Runner
	Metrics Recorder
	Sinks   SinkFactory
}

// JobService 补丁任务服务接口
type JobService interface {
	// 创建任务记录，解析补丁来源
	Submit(ctx context.Context, req SubmitRequest) (*domain.JobRecord, error)

	// 执行已提交的任务，阻塞到任务结束
	Execute(ctx context.Context, jobID string) (*patcher.Result, error)

	Get(ctx context.Context, jobID string) (*domain.JobRecord, error)

	List(ctx context.Context, filter repository.JobFilter) ([]*domain.JobRecord, int64, error)

	Stats(ctx context.Context) (*repository.JobStats, error)

	Delete(ctx context.Context, jobID string) error
}

type jobService struct {
	deps   Deps
	opts   Options
	logger *logrus.Logger
}

// NewJobService 创建任务服务实例
func NewJobService(logger *logrus.Logger, deps Deps, opts Options) JobService {
	return &jobService{deps: deps, opts: opts, logger: logger}
}

func (s *jobService) builder() ConfigBuilder {
	return ConfigBuilder{Catalog: s.deps.Catalog, Options: s.opts, Logger: s.logger}
}

func (s *jobService) Submit(ctx context.Context, req SubmitRequest) (*domain.JobRecord, error) {
	if req.InputPath == "" {
		return nil, fmt.Errorf("%w: input_path is required", ErrInvalidRequest)
	}
	if st, err := os.Stat(req.InputPath); err != nil || !st.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: input %s is not a readable file", ErrInvalidRequest, req.InputPath)
	}

	id := uuid.NewString()
	cfg, err := s.builder().Build(id, req)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode job config: %w", err)
	}

	name := req.InputName
	if name == "" {
		name = filepath.Base(req.InputPath)
	}
	record := &domain.JobRecord{
		ID:         id,
		InputName:  name,
		InputPath:  req.InputPath,
		OutputPath: cfg.OutputPath,
		AppVersion: cfg.Patches.Version,
		Status:     domain.JobStatusQueued,
		ConfigJSON: string(raw),
		Source:     req.Source,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.deps.Repo.Create(ctx, record); err != nil {
		s.logger.WithError(err).Error("Failed to create job")
		return nil, fmt.Errorf("创建任务失败: %w", err)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordJobQueued()
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":  id,
		"input":   name,
		"version": record.AppVersion,
		"patches": len(cfg.Patches.Patches),
		"delta":   cfg.DeltaPath != "",
		"source":  req.Source,
	}).Info("Job created successfully")
	return record, nil
}

// ConfigBuilder 把提交参数解析为任务配置，CLI 不经过数据库时直接使用
type ConfigBuilder struct {
	Catalog *catalog.Catalog
	Options Options
	Logger  *logrus.Logger
}

// Build 确定版本、补丁集和差分文件，id 至少 8 个字符
func (b ConfigBuilder) Build(id string, req SubmitRequest) (domain.JobConfig, error) {
	cfg := domain.JobConfig{
		ID:              id,
		InputPath:       req.InputPath,
		OutputPath:      req.OutputPath,
		DeltaPath:       req.DeltaPath,
		DeltaTarget:     req.DeltaTarget,
		SigningMaterial: req.SigningMaterial,
		Mode:            domain.ModeDirect,
		Strict:          b.Options.Strict,
		RestoreCRC:      b.Options.RestoreCRC,
		BypassPairip:    req.BypassPairip,
		SkipSign:        req.SkipSign,
	}
	if req.Strict != nil {
		cfg.Strict = *req.Strict
	}
	if req.RestoreCRC != nil {
		cfg.RestoreCRC = *req.RestoreCRC
	}

	version := req.Version
	if req.Patches != nil {
		cfg.Patches = *req.Patches
		if version == "" {
			version = cfg.Patches.Version
		}
	} else {
		if version == "" {
			info, err := catalog.DetectVersion(req.InputPath)
			if err != nil {
				return cfg, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
			version = info.Version
			b.Logger.WithFields(logrus.Fields{
				"job_id":  id,
				"version": info.Version,
				"package": info.Package,
				"source":  info.Source,
			}).Info("Detected app version")
		}
		if err := b.fromCatalog(&cfg, version); err != nil {
			return cfg, err
		}
	}
	cfg.Patches.Version = version

	for _, p := range cfg.Patches.Patches {
		if err := p.Validate(); err != nil {
			return cfg, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	if len(cfg.Patches.Patches) == 0 && cfg.DeltaPath == "" {
		return cfg, fmt.Errorf("%w: no patches for version %q", ErrInvalidRequest, version)
	}

	if cfg.OutputPath == "" {
		stem := strings.TrimSuffix(filepath.Base(req.InputName), filepath.Ext(req.InputName))
		if stem == "" || stem == "." {
			stem = strings.TrimSuffix(filepath.Base(req.InputPath), filepath.Ext(req.InputPath))
		}
		cfg.OutputPath = filepath.Join(b.Options.OutputDir, fmt.Sprintf("%s_%s_patched.apk", stem, id[:8]))
	}
	return cfg, nil
}

func (b ConfigBuilder) fromCatalog(cfg *domain.JobConfig, version string) error {
	if b.Catalog == nil {
		return fmt.Errorf("%w: no patches given and no catalog configured", ErrInvalidRequest)
	}
	set, err := b.Catalog.Load(version)
	switch {
	case err == nil:
		cfg.Patches = *set
	case errors.Is(err, catalog.ErrNotFound):
		// 只有差分文件的版本
		cfg.Patches = domain.PatchSet{Version: version}
	default:
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if cfg.DeltaPath == "" {
		if p, ok := b.Catalog.Delta(version); ok {
			cfg.DeltaPath = p
		}
	}
	return nil
}

func (s *jobService) Execute(ctx context.Context, jobID string) (*patcher.Result, error) {
	record, err := s.deps.Repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record.Status == domain.JobStatusCompleted || record.Status == domain.JobStatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobFinished, jobID, record.Status)
	}

	var cfg domain.JobConfig
	if err := json.Unmarshal([]byte(record.ConfigJSON), &cfg); err != nil {
		if saveErr := s.deps.Repo.MarkFailed(ctx, jobID, domain.StateLoaded, domain.FailureTypeInvalidConfig, err.Error()); saveErr != nil {
			s.logger.WithError(saveErr).WithField("job_id", jobID).Error("Failed to save job failure")
		}
		return nil, fmt.Errorf("decode job config: %w", err)
	}
	cfg.ID = jobID

	if err := s.deps.Repo.MarkRunning(ctx, jobID); err != nil {
		return nil, err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordJobStarted()
	}

	sinks := patcher.MultiSink{&repoSink{repo: s.deps.Repo, jobID: jobID, logger: s.logger}}
	if s.deps.Sinks != nil {
		if extra := s.deps.Sinks(jobID); extra != nil {
			sinks = append(sinks, extra)
		}
	}

	start := time.Now()
	res, runErr := s.deps.Runner.Run(ctx, cfg, sinks)
	duration := time.Since(start)

	// 任务的 ctx 可能已经取消，落库使用独立的 ctx
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if runErr != nil {
		s.recordFailure(saveCtx, jobID, res, runErr, duration)
		return res, runErr
	}
	s.recordSuccess(saveCtx, record, res, duration)
	return res, nil
}

func (s *jobService) recordFailure(ctx context.Context, jobID string, res *patcher.Result, runErr error, duration time.Duration) {
	state := domain.StateError
	var je *patcher.JobError
	if errors.As(runErr, &je) {
		state = je.State
	}
	if err := s.deps.Repo.MarkFailed(ctx, jobID, state, patcher.FailureOf(runErr), runErr.Error()); err != nil {
		s.logger.WithError(err).WithField("job_id", jobID).Error("Failed to save job failure")
	}
	if m := s.deps.Metrics; m != nil {
		m.RecordJobFailed(duration)
		if res != nil {
			s.recordOutcomes(res)
		}
		if state == domain.StateSigned {
			m.RecordSigning("", false)
		}
	}
}

func (s *jobService) recordSuccess(ctx context.Context, record *domain.JobRecord, res *patcher.Result, duration time.Duration) {
	outcomes, _ := json.Marshal(res.Outcomes)
	update := &domain.JobRecord{
		ID:             record.ID,
		OutputPath:     res.OutputPath,
		AppVersion:     record.AppVersion,
		PatchesApplied: res.Applied,
		PatchesFailed:  res.Failed,
		OutcomesJSON:   string(outcomes),
		OutputDigest:   res.OutputDigest.String(),
		Signer:         res.Signer,
		DurationMS:     duration.Milliseconds(),
	}
	if err := s.deps.Repo.MarkCompleted(ctx, update); err != nil {
		s.logger.WithError(err).WithField("job_id", record.ID).Error("Failed to save job result")
	}

	if m := s.deps.Metrics; m != nil {
		var size int64
		if st, err := os.Stat(res.OutputPath); err == nil {
			size = st.Size()
		}
		m.RecordJobCompleted(duration, size)
		s.recordOutcomes(res)
		if res.Signer != "" {
			m.RecordSigning(res.Signer, true)
		}
	}
}

func (s *jobService) recordOutcomes(res *patcher.Result) {
	type counts struct{ applied, failed int }
	byKind := map[string]*counts{}
	for _, o := range res.Outcomes {
		c, ok := byKind[o.Kind]
		if !ok {
			c = &counts{}
			byKind[o.Kind] = c
		}
		if o.Applied > 0 {
			c.applied++
		}
		if o.Failed > 0 {
			c.failed++
		}
	}
	for kind, c := range byKind {
		s.deps.Metrics.RecordPatches(kind, c.applied, c.failed)
	}
}

func (s *jobService) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	job, err := s.deps.Repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("获取任务失败: %w", err)
	}
	return job, nil
}

func (s *jobService) List(ctx context.Context, filter repository.JobFilter) ([]*domain.JobRecord, int64, error) {
	jobs, total, err := s.deps.Repo.List(ctx, filter)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list jobs")
		return nil, 0, fmt.Errorf("获取任务列表失败: %w", err)
	}
	return jobs, total, nil
}

func (s *jobService) Stats(ctx context.Context) (*repository.JobStats, error) {
	return s.deps.Repo.Stats(ctx)
}

func (s *jobService) Delete(ctx context.Context, jobID string) error {
	if err := s.deps.Repo.Delete(ctx, jobID); err != nil {
		return fmt.Errorf("删除任务失败: %w", err)
	}
	s.logger.WithField("job_id", jobID).Info("Job deleted successfully")
	return nil
}

// repoSink 把状态变化写回任务记录
type repoSink struct {
	repo   repository.JobRepository
	jobID  string
	logger *logrus.Logger
}

func (r *repoSink) OnProgress(state domain.JobState, _ string) {
	if err := r.repo.UpdateState(context.Background(), r.jobID, state); err != nil {
		r.logger.WithError(err).WithField("job_id", r.jobID).Warn("⚠️  Failed to save job state")
	}
}

func (r *repoSink) OnSuccess(string) {}
func (r *repoSink) OnError(string)   {}
func (r *repoSink) OnDebug(string)   {}
