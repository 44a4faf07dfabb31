package patcher

import (
	"errors"
	"fmt"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
)

var (
	ErrRebuildMode  = errors.New("full-rebuild mode is not supported, use direct mode")
	ErrMissingInput = errors.New("input archive is required")
	ErrMissingEntry = errors.New("patch target entry not found in archive")
)

// JobError 使任务进入 Error 状态的结构性错误
type JobError struct {
	// State 出错时正在进入的状态
	State   domain.JobState
	Failure domain.FailureType
	Err     error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Cause 给回调使用的可读原因
func (e *JobError) Cause() string {
	return fmt.Sprintf("%s (%s): %v", e.Failure.GetDisplayName(), e.State, e.Err)
}

func fail(state domain.JobState, failure domain.FailureType, err error) *JobError {
	return &JobError{State: state, Failure: failure, Err: err}
}

// FailureOf 取出错误对应的失败类型，非 JobError 记为 unknown
func FailureOf(err error) domain.FailureType {
	var je *JobError
	if errors.As(err, &je) {
		return je.Failure
	}
	if err == nil {
		return domain.FailureTypeNone
	}
	return domain.FailureTypeUnknown
}
