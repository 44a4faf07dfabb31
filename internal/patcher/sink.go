package patcher

import (
	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// ProgressSink 任务进度回调，只在执行任务的 goroutine 中调用
type ProgressSink interface {
	OnProgress(state domain.JobState, text string)
	OnSuccess(outputPath string)
	OnError(cause string)
	OnDebug(text string)
}

// NopSink 丢弃所有回调
type NopSink struct{}

func (NopSink) OnProgress(domain.JobState, string) {}
func (NopSink) OnSuccess(string)                   {}
func (NopSink) OnError(string)                     {}
func (NopSink) OnDebug(string)                     {}

// LogSink 把回调写到日志，CLI 使用
type LogSink struct {
	Logger *logrus.Logger
	JobID  string
}

func (s LogSink) entry() *logrus.Entry {
	return s.Logger.WithField("job_id", s.JobID)
}

func (s LogSink) OnProgress(state domain.JobState, text string) {
	s.entry().WithFields(logrus.Fields{
		"state":    state,
		"progress": state.Progress(),
	}).Info(text)
}

func (s LogSink) OnSuccess(outputPath string) {
	s.entry().WithField("output", outputPath).Info("✅ Patch job completed")
}

func (s LogSink) OnError(cause string) {
	s.entry().WithField("cause", cause).Error("❌ Patch job failed")
}

func (s LogSink) OnDebug(text string) {
	s.entry().Debug(text)
}

// MultiSink 把回调分发给多个 sink
type MultiSink []ProgressSink

func (m MultiSink) OnProgress(state domain.JobState, text string) {
	for _, s := range m {
		s.OnProgress(state, text)
	}
}

func (m MultiSink) OnSuccess(outputPath string) {
	for _, s := range m {
		s.OnSuccess(outputPath)
	}
}

func (m MultiSink) OnError(cause string) {
	for _, s := range m {
		s.OnError(cause)
	}
}

func (m MultiSink) OnDebug(text string) {
	for _, s := range m {
		s.OnDebug(text)
	}
}
