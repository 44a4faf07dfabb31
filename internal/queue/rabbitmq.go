package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/apk-analysis/apk-patcher-go/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var errNoChannel = errors.New("channel is nil")

// Config RabbitMQ 连接参数
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	VHost           string
	Queue           string
	DeadLetterQueue string
	Prefetch        int           // 预取数量，应与 worker 数量匹配
	Heartbeat       time.Duration // 心跳间隔，默认 10 秒
}

// FromConfig 从应用配置构造连接参数
func FromConfig(cfg config.RabbitMQConfig) Config {
	return Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		VHost:           cfg.VHost,
		Queue:           cfg.Queue,
		DeadLetterQueue: cfg.DeadLetterQueue,
		Prefetch:        cfg.Prefetch,
	}
}

// URL 连接地址，vhost "/" 需要转义为 %2F
func (c Config) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
	}
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	u.RawPath = "/" + url.PathEscape(vhost)
	u.Path = "/" + vhost
	return u.String()
}

// queueArgs 主队列参数，配置了死信队列时 Nack 的消息转入死信队列
func (c Config) queueArgs() amqp.Table {
	if c.DeadLetterQueue == "" {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": c.DeadLetterQueue,
	}
}

// RabbitMQ RabbitMQ 客户端
type RabbitMQ struct {
	config     Config
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *logrus.Logger
	reconnect  chan bool
	maxRetries int

	// 连接状态管理
	mu            sync.RWMutex
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
}

// NewRabbitMQ 创建 RabbitMQ 客户端并建立连接
func NewRabbitMQ(cfg Config, logger *logrus.Logger) (*RabbitMQ, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 10 * time.Second
	}

	mq := &RabbitMQ{
		config:     cfg,
		logger:     logger,
		reconnect:  make(chan bool, 10), // 增大缓冲区，避免信号丢失
		maxRetries: 10,
	}

	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	return mq, nil
}

// connect 建立连接
func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(mq.config.URL(), amqp.Config{
		Heartbeat: mq.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(mq.config.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := mq.declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	mq.conn = conn
	mq.channel = ch

	// 设置 Connection 和 Channel 关闭通知
	mq.connNotify = make(chan *amqp.Error, 1)
	mq.channelNotify = make(chan *amqp.Error, 1)
	mq.conn.NotifyClose(mq.connNotify)
	mq.channel.NotifyClose(mq.channelNotify)

	mq.logger.WithFields(logrus.Fields{
		"host":           mq.config.Host,
		"port":           mq.config.Port,
		"queue":          mq.config.Queue,
		"dead_letter":    mq.config.DeadLetterQueue,
		"heartbeat":      mq.config.Heartbeat,
		"prefetch_count": mq.config.Prefetch,
	}).Info("Connected to RabbitMQ")

	return nil
}

// declare 声明持久化队列，死信队列先于主队列声明
func (mq *RabbitMQ) declare(ch *amqp.Channel) error {
	if dlq := mq.config.DeadLetterQueue; dlq != "" {
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead letter queue: %w", err)
		}
	}
	_, err := ch.QueueDeclare(
		mq.config.Queue, // name
		true,            // durable (持久化)
		false,           // delete when unused
		false,           // exclusive
		false,           // no-wait
		mq.config.queueArgs(),
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	return nil
}

// StartConnectionWatcher 启动连接监听器（持续监听，直到主动关闭）
// 同时监听 Connection 和 Channel 关闭事件
func (mq *RabbitMQ) StartConnectionWatcher() {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				mq.logger.Info("Connection watcher stopped: RabbitMQ client closed")
				return
			}
			connNotify := mq.connNotify
			channelNotify := mq.channelNotify
			mq.mu.RUnlock()

			var (
				err  *amqp.Error
				ok   bool
				what string
			)
			select {
			case err, ok = <-connNotify:
				what = "connection"
			case err, ok = <-channelNotify:
				what = "channel"
			}
			if !ok && mq.isClosed() {
				return
			}
			if err != nil {
				mq.logger.WithError(err).Errorf("RabbitMQ %s closed unexpectedly", what)
			} else {
				mq.logger.Warnf("RabbitMQ %s closed", what)
			}
			mq.triggerReconnect()
			// 等待重连完成后新的通知通道生效
			mq.waitForNotifyChange(connNotify)
		}
	}()
}

func (mq *RabbitMQ) waitForNotifyChange(old chan *amqp.Error) {
	for !mq.isClosed() {
		mq.mu.RLock()
		changed := mq.connNotify != old
		mq.mu.RUnlock()
		if changed {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// triggerReconnect 触发重连信号（非阻塞）
func (mq *RabbitMQ) triggerReconnect() {
	select {
	case mq.reconnect <- true:
		mq.logger.Debug("Reconnect signal sent")
	default:
		mq.logger.Debug("Reconnect signal already pending")
	}
}

// Reconnect 重新连接
func (mq *RabbitMQ) Reconnect() error {
	mq.closeConnections()

	for retries := 0; retries < mq.maxRetries; retries++ {
		if mq.isClosed() {
			return errors.New("client closed")
		}
		mq.logger.Infof("Attempting to reconnect to RabbitMQ (attempt %d/%d)", retries+1, mq.maxRetries)

		if err := mq.connect(); err != nil {
			mq.logger.WithError(err).Error("Failed to reconnect")
			time.Sleep(time.Duration(retries+1) * time.Second)
			continue
		}

		mq.logger.Info("Successfully reconnected to RabbitMQ")
		return nil
	}

	return fmt.Errorf("failed to reconnect after %d attempts", mq.maxRetries)
}

// closeConnections 关闭现有连接（不设置 closed 标志）
func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

func (mq *RabbitMQ) currentChannel() (*amqp.Channel, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.channel == nil {
		return nil, errNoChannel
	}
	return mq.channel, nil
}

// Publish 发布持久化消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	ch, err := mq.currentChannel()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(
		ctx,
		"",              // exchange
		mq.config.Queue, // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Consume 消费消息（手动确认）
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return nil, err
	}

	msgs, err := ch.Consume(
		mq.config.Queue, // queue
		"",              // consumer
		false,           // auto-ack
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,             // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}

	return msgs, nil
}

// GetQueueStats 获取队列统计信息
func (mq *RabbitMQ) GetQueueStats() (messageCount, consumerCount int, err error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return 0, 0, err
	}

	queue, err := ch.QueueInspect(mq.config.Queue)
	if err != nil {
		return 0, 0, err
	}

	return queue.Messages, queue.Consumers, nil
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	ch, conn := mq.channel, mq.conn
	mq.channel, mq.conn = nil, nil
	mq.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			mq.logger.WithError(err).Error("Failed to close channel")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			mq.logger.WithError(err).Error("Failed to close connection")
		}
	}

	mq.logger.Info("RabbitMQ connection closed")
	return nil
}

// GetReconnectChan 获取重连信号通道
func (mq *RabbitMQ) GetReconnectChan() <-chan bool {
	return mq.reconnect
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

// PurgeQueue 清空队列中的所有消息
// 服务启动时以数据库为准重建队列，先清掉残留消息
func (mq *RabbitMQ) PurgeQueue() (int, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return 0, err
	}

	count, err := ch.QueuePurge(mq.config.Queue, false)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue: %w", err)
	}

	mq.logger.WithFields(logrus.Fields{
		"queue":        mq.config.Queue,
		"purged_count": count,
	}).Info("Queue purged successfully")

	return count, nil
}
