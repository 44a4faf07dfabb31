package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/patcher"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// AllJobs 订阅所有任务的进度
const AllJobs = "all"

// 消息类型
const (
	MessageProgress = "progress"
	MessageSuccess  = "success"
	MessageError    = "error"
	MessageDebug    = "debug"
)

// ProgressMessage 推送给 WebSocket 客户端的进度消息
type ProgressMessage struct {
	JobID     string          `json:"job_id"`
	Type      string          `json:"type"`
	State     domain.JobState `json:"state,omitempty"`
	Progress  int             `json:"progress"`
	Text      string          `json:"text,omitempty"`
	Output    string          `json:"output,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// wsClient 一个连接；gorilla 的连接不支持并发写
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(msg ProgressMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(msg)
}

// ProgressHub 把任务进度广播给订阅的 WebSocket 客户端
type ProgressHub struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[string]map[*wsClient]struct{}
	last        map[string]ProgressMessage
	clientMutex sync.RWMutex
	broadcast   chan ProgressMessage
	done        chan struct{}
	stopOnce    sync.Once
	debug       bool
}

// NewProgressHub 创建进度推送中心，debug 为 true 时也推送调试消息
func NewProgressHub(logger *logrus.Logger, debug bool) *ProgressHub {
	return &ProgressHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源（生产环境需要限制）
			},
		},
		clients:   make(map[string]map[*wsClient]struct{}),
		last:      make(map[string]ProgressMessage),
		broadcast: make(chan ProgressMessage, 256),
		done:      make(chan struct{}),
		debug:     debug,
	}
}

// Start 启动广播服务
func (h *ProgressHub) Start() {
	go h.runBroadcaster()
}

// Stop 停止广播并关闭所有连接
func (h *ProgressHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.clientMutex.Lock()
		defer h.clientMutex.Unlock()
		for _, set := range h.clients {
			for c := range set {
				c.conn.Close()
			}
		}
		h.clients = make(map[string]map[*wsClient]struct{})
	})
}

func (h *ProgressHub) runBroadcaster() {
	for {
		select {
		case <-h.done:
			return
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *ProgressHub) deliver(msg ProgressMessage) {
	h.clientMutex.Lock()
	if msg.Type != MessageDebug {
		if msg.Type == MessageSuccess || msg.Type == MessageError {
			delete(h.last, msg.JobID)
		} else {
			h.last[msg.JobID] = msg
		}
	}
	var targets []*wsClient
	for _, key := range []string{msg.JobID, AllJobs} {
		for c := range h.clients[key] {
			targets = append(targets, c)
		}
	}
	h.clientMutex.Unlock()

	for _, c := range targets {
		if err := c.write(msg); err != nil {
			h.logger.WithError(err).WithField("job_id", msg.JobID).Warn("Failed to write to WebSocket client")
			h.remove(c)
			c.conn.Close()
		}
	}
}

func (h *ProgressHub) add(jobID string, c *wsClient) (ProgressMessage, bool) {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	set, ok := h.clients[jobID]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.clients[jobID] = set
	}
	set[c] = struct{}{}
	last, ok := h.last[jobID]
	return last, ok
}

func (h *ProgressHub) remove(c *wsClient) {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	for key, set := range h.clients {
		if _, ok := set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.clients, key)
			}
		}
	}
}

// Clients 订阅某个任务的连接数
func (h *ProgressHub) Clients(jobID string) int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	return len(h.clients[jobID])
}

// publish 非阻塞投递，通道满时丢弃
func (h *ProgressHub) publish(msg ProgressMessage) {
	msg.Timestamp = time.Now().Unix()
	select {
	case h.broadcast <- msg:
	default:
		h.logger.WithField("job_id", msg.JobID).Warn("Broadcast channel is full, dropping message")
	}
}

// HandleWebSocket 处理 WebSocket 连接
// GET /ws/jobs/:id，id 为 all 时订阅全部任务
func (h *ProgressHub) HandleWebSocket(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		jobID = AllJobs
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	client := &wsClient{conn: conn}
	if last, ok := h.add(jobID, client); ok {
		// 新连接先收到最近一次状态
		if err := client.write(last); err != nil {
			h.remove(client)
			return
		}
	}
	h.logger.WithField("job_id", jobID).Info("WebSocket client connected")

	// 保持连接，客户端消息忽略
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.remove(client)
	h.logger.WithField("job_id", jobID).Info("WebSocket client disconnected")
}

// Sink 返回推送到该任务订阅者的进度回调
func (h *ProgressHub) Sink(jobID string) patcher.ProgressSink {
	return &hubSink{hub: h, jobID: jobID}
}

type hubSink struct {
	hub   *ProgressHub
	jobID string
}

func (s *hubSink) OnProgress(state domain.JobState, text string) {
	s.hub.publish(ProgressMessage{JobID: s.jobID, Type: MessageProgress, State: state, Progress: state.Progress(), Text: text})
}

func (s *hubSink) OnSuccess(outputPath string) {
	s.hub.publish(ProgressMessage{JobID: s.jobID, Type: MessageSuccess, State: domain.StateDone, Progress: 100, Output: outputPath})
}

func (s *hubSink) OnError(cause string) {
	s.hub.publish(ProgressMessage{JobID: s.jobID, Type: MessageError, State: domain.StateError, Text: cause})
}

func (s *hubSink) OnDebug(text string) {
	if s.hub.debug {
		s.hub.publish(ProgressMessage{JobID: s.jobID, Type: MessageDebug, Text: text})
	}
}
