package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// JobMessage 任务消息，执行参数已经随任务记录持久化，消息只携带 ID
type JobMessage struct {
	JobID      string    `json:"job_id"`
	Source     string    `json:"source,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Publisher 发布原始消息，*RabbitMQ 实现
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	mq     Publisher
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(mq Publisher, logger *logrus.Logger) *Producer {
	return &Producer{
		mq:     mq,
		logger: logger,
	}
}

// PublishJob 发布任务消息
func (p *Producer) PublishJob(ctx context.Context, msg *JobMessage) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.mq.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("job_id", msg.JobID).Error("Failed to publish job")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"job_id": msg.JobID,
		"source": msg.Source,
	}).Info("Job published to queue")

	return nil
}

// Dispatch 与 Worker 池相同的分发入口
func (p *Producer) Dispatch(ctx context.Context, jobID string) error {
	return p.PublishJob(ctx, &JobMessage{JobID: jobID})
}
