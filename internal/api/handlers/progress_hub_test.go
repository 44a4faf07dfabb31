package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, debug bool) (*ProgressHub, string) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	hub := NewProgressHub(logger, debug)
	hub.Start()
	t.Cleanup(hub.Stop)

	r := gin.New()
	r.GET("/ws/jobs/:id", hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *ProgressHub, url, jobID string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url+"/ws/jobs/"+jobID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.Clients(jobID) == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ProgressMessage {
	var msg ProgressMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestProgressHub_JobSubscription(t *testing.T) {
	hub, url := startHub(t, false)
	conn := dial(t, hub, url, "job-1")
	all := dial(t, hub, url, AllJobs)

	sink := hub.Sink("job-1")
	hub.Sink("job-2").OnProgress(domain.StateLoaded, "other job")
	sink.OnProgress(domain.StateExtracted, "apk extracted")
	sink.OnDebug("not delivered without debug")
	sink.OnSuccess("/out/game_patched.apk")

	msg := readMessage(t, conn)
	assert.Equal(t, "job-1", msg.JobID)
	assert.Equal(t, MessageProgress, msg.Type)
	assert.Equal(t, domain.StateExtracted, msg.State)
	assert.Equal(t, domain.StateExtracted.Progress(), msg.Progress)

	msg = readMessage(t, conn)
	assert.Equal(t, MessageSuccess, msg.Type)
	assert.Equal(t, 100, msg.Progress)
	assert.Equal(t, "/out/game_patched.apk", msg.Output)

	// all 订阅者收到两个任务的消息
	first := readMessage(t, all)
	assert.Equal(t, "job-2", first.JobID)
	assert.Equal(t, "job-1", readMessage(t, all).JobID)
}

func TestProgressHub_LateSubscriberGetsLastState(t *testing.T) {
	hub, url := startHub(t, true)

	hub.Sink("job-9").OnProgress(domain.StateNativePatched, "native done")
	require.Eventually(t, func() bool {
		hub.clientMutex.RLock()
		defer hub.clientMutex.RUnlock()
		_, ok := hub.last["job-9"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	conn := dial(t, hub, url, "job-9")
	msg := readMessage(t, conn)
	assert.Equal(t, domain.StateNativePatched, msg.State)

	hub.Sink("job-9").OnDebug("trace")
	msg = readMessage(t, conn)
	assert.Equal(t, MessageDebug, msg.Type)
	assert.Equal(t, "trace", msg.Text)

	hub.Sink("job-9").OnError("signing failed")
	msg = readMessage(t, conn)
	assert.Equal(t, MessageError, msg.Type)
	assert.Equal(t, domain.StateError, msg.State)
}

func TestProgressHub_ClientDisconnect(t *testing.T) {
	hub, url := startHub(t, false)
	conn := dial(t, hub, url, "job-1")

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Clients("job-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
