package domain

import (
	"time"
)

// JobState 补丁任务状态机的状态
type JobState string

const (
	StateLoaded        JobState = "loaded"
	StateExtracted     JobState = "extracted"
	StateNativePatched JobState = "native_patched"
	StateDexPatched    JobState = "dex_patched"
	StateRepackaged    JobState = "repackaged"
	StateSigned        JobState = "signed"
	StateDone          JobState = "done"
	StateError         JobState = "error"
)

// Progress 状态对应的大致进度百分比
func (s JobState) Progress() int {
	switch s {
	case StateLoaded:
		return 5
	case StateExtracted:
		return 20
	case StateNativePatched:
		return 40
	case StateDexPatched:
		return 60
	case StateRepackaged:
		return 80
	case StateSigned:
		return 95
	case StateDone:
		return 100
	}
	return 0
}

// IsTerminal 是否为终止状态
func (s JobState) IsTerminal() bool {
	return s == StateDone || s == StateError
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// FailureType 失败类型
type FailureType string

const (
	FailureTypeNone          FailureType = ""
	FailureTypeArchive       FailureType = "archive_error"   // APK 无法读取或重建
	FailureTypeMissingEntry  FailureType = "missing_entry"   // 补丁目标条目不存在
	FailureTypeDexHeader     FailureType = "dex_header"      // DEX 头部无法解析
	FailureTypeDelta         FailureType = "delta_error"     // 差分还原失败
	FailureTypeSigning       FailureType = "signing_error"   // 签名失败
	FailureTypeIO            FailureType = "io_error"        // 磁盘/文件错误
	FailureTypeInvalidConfig FailureType = "invalid_config"  // 任务配置错误
	FailureTypeInterrupted   FailureType = "interrupted"     // 服务重启，任务中断
	FailureTypeUnknown       FailureType = "unknown"
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"
	FailureSeverityWarning FailureSeverity = "warning"
	FailureSeverityError   FailureSeverity = "error"
)

// GetSeverity 获取失败类型对应的严重程度
func (ft FailureType) GetSeverity() FailureSeverity {
	switch ft {
	case FailureTypeNone:
		return FailureSeverityNormal
	case FailureTypeMissingEntry, FailureTypeInvalidConfig:
		return FailureSeverityWarning // 输入问题，需关注
	default:
		return FailureSeverityError
	}
}

// GetDisplayName 获取失败类型的中文显示名称
func (ft FailureType) GetDisplayName() string {
	switch ft {
	case FailureTypeNone:
		return ""
	case FailureTypeArchive:
		return "APK读写失败"
	case FailureTypeMissingEntry:
		return "缺少目标文件"
	case FailureTypeDexHeader:
		return "DEX解析失败"
	case FailureTypeDelta:
		return "差分还原失败"
	case FailureTypeSigning:
		return "签名失败"
	case FailureTypeIO:
		return "文件错误"
	case FailureTypeInvalidConfig:
		return "配置错误"
	case FailureTypeInterrupted:
		return "任务中断"
	default:
		return "未知错误"
	}
}

// CanRetry 只有环境类错误值得重试
func (ft FailureType) CanRetry() bool {
	return ft == FailureTypeIO || ft == FailureTypeSigning || ft == FailureTypeInterrupted
}

// PatchOutcome 单个补丁的执行结果
type PatchOutcome struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Applied int    `json:"applied"`
	Failed  int    `json:"failed"`
	Error   string `json:"error,omitempty"`
}

// JobRecord 补丁任务记录表
type JobRecord struct {
	ID             string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	InputName      string      `gorm:"type:varchar(255);not null" json:"input_name"`
	InputPath      string      `gorm:"type:varchar(1024)" json:"input_path"`
	OutputPath     string      `gorm:"type:varchar(1024)" json:"output_path,omitempty"`
	AppVersion     string      `gorm:"type:varchar(64)" json:"app_version,omitempty"`
	Status         JobStatus   `gorm:"type:varchar(20);not null;default:'queued';index" json:"status"`
	State          JobState    `gorm:"type:varchar(20)" json:"state"`
	FailureType    FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	ErrorMessage   string      `gorm:"type:text" json:"error_message,omitempty"`
	PatchesApplied int         `gorm:"default:0" json:"patches_applied"`
	PatchesFailed  int         `gorm:"default:0" json:"patches_failed"`
	OutcomesJSON   string      `gorm:"type:text" json:"outcomes_json,omitempty"`
	// ConfigJSON 提交时生成的 JobConfig，队列消费端据此执行
	ConfigJSON     string      `gorm:"type:text" json:"-"`
	OutputDigest   string      `gorm:"type:varchar(100)" json:"output_digest,omitempty"`
	Signer         string      `gorm:"type:varchar(64)" json:"signer,omitempty"`
	Source         string      `gorm:"type:varchar(20)" json:"source,omitempty"` // api, queue, watcher, cli
	DurationMS     int64       `gorm:"default:0" json:"duration_ms"`
	CreatedAt      time.Time   `gorm:"not null" json:"created_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

func (JobRecord) TableName() string {
	return "patch_jobs"
}

// Duration 任务耗时
func (r *JobRecord) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}
