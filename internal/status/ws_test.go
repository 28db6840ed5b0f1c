package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/auto-dubber/internal/jobs"
)

type stubController struct {
	snapshot jobs.StatusEvent
	missing  bool

	updated       chan struct{}
	lastSegments  []jobs.Segment
	lastFactor    float64
	updateErr     error
	updatedFields jobs.Job
}

func (s *stubController) Snapshot(jobID string) (jobs.StatusEvent, error) {
	if s.missing {
		return jobs.StatusEvent{}, jobs.NotFoundError(jobID)
	}
	return s.snapshot, nil
}

func (s *stubController) UpdateTranscription(ctx context.Context, jobID string, segments []jobs.Segment, speedFactor float64) (jobs.Job, error) {
	s.lastSegments = segments
	s.lastFactor = speedFactor
	if s.updated != nil {
		close(s.updated)
	}
	return s.updatedFields, s.updateErr
}

func newWSServer(t *testing.T, hub *Hub, ctrl *stubController) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	router := gin.New()
	router.GET("/ws/:jobId", WSHandler(hub, ctrl, logger))

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func dialWS(t *testing.T, server *httptest.Server, jobID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/" + jobID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWSMessage(t *testing.T, conn *websocket.Conn) OutboundMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read websocket message: %v", err)
	}
	var msg OutboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to decode websocket message: %v", err)
	}
	return msg
}

func TestWSHandlerSendsInitialSnapshot(t *testing.T) {
	ctrl := &stubController{snapshot: jobs.StatusEvent{JobID: "job-1", Status: jobs.StatusTranscribing, Progress: 20}}
	hub := newTestHub(time.Hour)
	server := newWSServer(t, hub, ctrl)

	conn := dialWS(t, server, "job-1")

	msg := readWSMessage(t, conn)
	if msg.Type != MessageTypeStatus || msg.JobID != "job-1" || msg.Status != jobs.StatusTranscribing {
		t.Fatalf("unexpected initial snapshot: %+v", msg)
	}
}

func TestWSHandlerRejectsUnknownJob(t *testing.T) {
	ctrl := &stubController{missing: true}
	hub := newTestHub(time.Hour)
	server := newWSServer(t, hub, ctrl)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown job")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	resp.Body.Close()
}

func TestWSHandlerRelaysHubBroadcast(t *testing.T) {
	ctrl := &stubController{snapshot: jobs.StatusEvent{JobID: "job-1", Status: jobs.StatusUploaded}}
	hub := newTestHub(time.Hour)
	server := newWSServer(t, hub, ctrl)

	conn := dialWS(t, server, "job-1")
	readWSMessage(t, conn) // 初回スナップショット

	// 接続登録が完了するのを待ってから配信する
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.RLock()
		registered := len(hub.subscribers["job-1"]) > 0
		hub.mu.RUnlock()
		if registered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription was never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(jobs.StatusEvent{JobID: "job-1", Status: jobs.StatusCompleted, Progress: 100})

	msg := readWSMessage(t, conn)
	if msg.Type != MessageTypeStatus || msg.Status != jobs.StatusCompleted || msg.Progress != 100 {
		t.Fatalf("unexpected relayed message: %+v", msg)
	}
}

func TestWSHandlerGetStatusCommand(t *testing.T) {
	ctrl := &stubController{snapshot: jobs.StatusEvent{JobID: "job-1", Status: jobs.StatusGeneratingTTS, Progress: 50}}
	hub := newTestHub(time.Hour)
	server := newWSServer(t, hub, ctrl)

	conn := dialWS(t, server, "job-1")
	readWSMessage(t, conn) // 初回スナップショット

	if err := conn.WriteJSON(InboundMessage{Type: CommandGetStatus, JobID: "job-1"}); err != nil {
		t.Fatalf("failed to send get_status: %v", err)
	}

	msg := readWSMessage(t, conn)
	if msg.Type != MessageTypeStatus || msg.Status != jobs.StatusGeneratingTTS {
		t.Fatalf("unexpected get_status reply: %+v", msg)
	}
}

func TestWSHandlerPingCommand(t *testing.T) {
	ctrl := &stubController{snapshot: jobs.StatusEvent{JobID: "job-1", Status: jobs.StatusTranscribing}}
	hub := newTestHub(time.Hour)
	server := newWSServer(t, hub, ctrl)

	conn := dialWS(t, server, "job-1")
	readWSMessage(t, conn) // 初回スナップショット

	if err := conn.WriteJSON(InboundMessage{Type: CommandPing, Timestamp: time.Now().Unix()}); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}

	msg := readWSMessage(t, conn)
	if msg.Type != MessageTypeHeartbeat || msg.JobID != "job-1" {
		t.Fatalf("unexpected ping reply: %+v", msg)
	}
}

func TestWSHandlerUpdateTranscriptionCommand(t *testing.T) {
	ctrl := &stubController{
		snapshot: jobs.StatusEvent{JobID: "job-1", Status: jobs.StatusTranscriptionComplete},
		updated:  make(chan struct{}),
	}
	hub := newTestHub(time.Hour)
	server := newWSServer(t, hub, ctrl)

	conn := dialWS(t, server, "job-1")
	readWSMessage(t, conn) // 初回スナップショット

	cmd := InboundMessage{
		Type:          CommandUpdateTranscription,
		JobID:         "job-1",
		Transcription: []jobs.Segment{{Start: 0, End: 2, Text: "Hi there"}},
		SpeedFactor:   1.1,
	}
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("failed to send update_transcription: %v", err)
	}

	select {
	case <-ctrl.updated:
	case <-time.After(2 * time.Second):
		t.Fatal("update_transcription never reached the controller")
	}
	if len(ctrl.lastSegments) != 1 || ctrl.lastSegments[0].Text != "Hi there" {
		t.Fatalf("segments were not forwarded: %+v", ctrl.lastSegments)
	}
	if ctrl.lastFactor != 1.1 {
		t.Fatalf("speed factor = %v, want 1.1", ctrl.lastFactor)
	}
}
