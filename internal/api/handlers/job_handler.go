package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apk-analysis/apk-patcher-go/internal/catalog"
	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/repository"
	"github.com/apk-analysis/apk-patcher-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Dispatcher 把已创建的任务交给执行端（Worker 池或消息队列）
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// JobHandler 补丁任务 API
type JobHandler struct {
	service    service.JobService
	dispatcher Dispatcher
	uploadDir  string
	maxUpload  int64
	logger     *logrus.Logger
}

// NewJobHandler 创建任务处理器，maxUploadMB 为 0 时不限制上传大小
func NewJobHandler(svc service.JobService, dispatcher Dispatcher, uploadDir string, maxUploadMB int, logger *logrus.Logger) *JobHandler {
	return &JobHandler{
		service:    svc,
		dispatcher: dispatcher,
		uploadDir:  uploadDir,
		maxUpload:  int64(maxUploadMB) << 20,
		logger:     logger,
	}
}

// jobRequest JSON 方式提交任务，patches 使用补丁目录的 JSON 格式
type jobRequest struct {
	InputPath       string          `json:"input_path"`
	Version         string          `json:"version"`
	Patches         json.RawMessage `json:"patches"`
	DeltaPath       string          `json:"delta_path"`
	DeltaTarget     string          `json:"delta_target"`
	OutputPath      string          `json:"output_path"`
	SigningMaterial string          `json:"signing_material"`
	Strict          *bool           `json:"strict"`
	RestoreCRC      *bool           `json:"restore_crc"`
	BypassPairip    bool            `json:"bypass_pairip"`
	SkipSign        bool            `json:"skip_sign"`
}

// CreateJob 创建补丁任务
// POST /api/jobs
// multipart/form-data 上传 APK（字段 file），或 JSON 指定服务器上的 input_path
func (h *JobHandler) CreateJob(c *gin.Context) {
	var (
		req service.SubmitRequest
		err error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		req, err = h.fromUpload(c)
	} else {
		req, err = h.fromJSON(c)
	}
	if err != nil {
		h.logger.WithError(err).Warn("Invalid job request")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Source = "api"

	job, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.WithError(err).Error("Failed to submit job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败"})
		return
	}

	if err := h.dispatcher.Dispatch(c.Request.Context(), job.ID); err != nil {
		h.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to dispatch job")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "任务已创建但无法加入执行队列",
			"job_id": job.ID,
		})
		return
	}

	c.JSON(http.StatusAccepted, job)
}

func (h *JobHandler) fromJSON(c *gin.Context) (service.SubmitRequest, error) {
	var body jobRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		return service.SubmitRequest{}, fmt.Errorf("请求格式错误: %w", err)
	}
	req := service.SubmitRequest{
		InputPath:       body.InputPath,
		Version:         body.Version,
		DeltaPath:       body.DeltaPath,
		DeltaTarget:     body.DeltaTarget,
		OutputPath:      body.OutputPath,
		SigningMaterial: body.SigningMaterial,
		Strict:          body.Strict,
		RestoreCRC:      body.RestoreCRC,
		BypassPairip:    body.BypassPairip,
		SkipSign:        body.SkipSign,
	}
	if len(body.Patches) > 0 && string(body.Patches) != "null" {
		set, err := catalog.Parse(body.Patches)
		if err != nil {
			return req, fmt.Errorf("补丁格式错误: %w", err)
		}
		req.Patches = set
	}
	return req, nil
}

// fromUpload 保存上传的 APK，表单字段 version/strict/restore_crc/bypass_pairip/skip_sign 可选
func (h *JobHandler) fromUpload(c *gin.Context) (service.SubmitRequest, error) {
	file, err := c.FormFile("file")
	if err != nil {
		return service.SubmitRequest{}, errors.New("请选择要上传的文件")
	}
	if !strings.EqualFold(filepath.Ext(file.Filename), ".apk") {
		return service.SubmitRequest{}, errors.New("只支持 APK 文件")
	}
	if h.maxUpload > 0 && file.Size > h.maxUpload {
		return service.SubmitRequest{}, fmt.Errorf("文件大小不能超过 %dMB", h.maxUpload>>20)
	}

	if err := os.MkdirAll(h.uploadDir, 0755); err != nil {
		return service.SubmitRequest{}, fmt.Errorf("创建上传目录失败: %w", err)
	}
	name := filepath.Base(file.Filename)
	dst := filepath.Join(h.uploadDir, uuid.NewString()[:8]+"_"+name)
	if err := saveUpload(file.Open, dst); err != nil {
		return service.SubmitRequest{}, fmt.Errorf("保存文件失败: %w", err)
	}
	h.logger.WithFields(logrus.Fields{
		"filename": name,
		"size":     file.Size,
		"path":     dst,
	}).Info("APK uploaded")

	// 上传方式不接受服务器路径参数（delta_path/output_path）
	req := service.SubmitRequest{
		InputPath:  dst,
		InputName:  name,
		Version:    c.PostForm("version"),
		Strict:     formBool(c, "strict"),
		RestoreCRC: formBool(c, "restore_crc"),
	}
	if skip := formBool(c, "skip_sign"); skip != nil {
		req.SkipSign = *skip
	}
	if bypass := formBool(c, "bypass_pairip"); bypass != nil {
		req.BypassPairip = *bypass
	}
	if patches := c.PostForm("patches"); patches != "" {
		set, err := catalog.Parse([]byte(patches))
		if err != nil {
			return req, fmt.Errorf("补丁格式错误: %w", err)
		}
		req.Patches = set
	}
	return req, nil
}

func saveUpload(open func() (multipart.File, error), dst string) error {
	src, err := open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func formBool(c *gin.Context, key string) *bool {
	v, ok := c.GetPostForm(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

// GetJob 获取任务详情
// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.jobError(c, err, "获取任务失败")
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobs 获取任务列表
// GET /api/jobs?page=1&page_size=20&status=completed&version=3.21.4
func (h *JobHandler) ListJobs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	filter := repository.JobFilter{
		Status:   domain.JobStatus(c.Query("status")),
		Version:  c.Query("version"),
		Page:     page,
		PageSize: pageSize,
	}
	jobs, total, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取任务列表失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":      jobs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetStats 任务统计
// GET /api/stats
func (h *JobHandler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取统计失败"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// DownloadOutput 下载补丁后的 APK
// GET /api/jobs/:id/download
func (h *JobHandler) DownloadOutput(c *gin.Context) {
	job, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.jobError(c, err, "获取任务失败")
		return
	}
	if job.Status != domain.JobStatusCompleted {
		c.JSON(http.StatusConflict, gin.H{"error": "任务尚未完成", "status": job.Status})
		return
	}
	if _, err := os.Stat(job.OutputPath); err != nil {
		c.JSON(http.StatusGone, gin.H{"error": "输出文件不存在"})
		return
	}
	c.FileAttachment(job.OutputPath, filepath.Base(job.OutputPath))
}

// DeleteJob 删除任务记录
// DELETE /api/jobs/:id
func (h *JobHandler) DeleteJob(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		h.jobError(c, err, "删除任务失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "删除成功", "job_id": id})
}

func (h *JobHandler) jobError(c *gin.Context, err error, msg string) {
	if errors.Is(err, repository.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}
	h.logger.WithError(err).Error(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
