package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/auto-dubber/internal/jobs"
)

const (
	writeTimeout = 10 * time.Second
	replyBuffer  = 4
)

// JobController はWebSocketコマンドの処理に必要なジョブ操作です。
type JobController interface {
	Snapshot(jobID string) (jobs.StatusEvent, error)
	UpdateTranscription(ctx context.Context, jobID string, segments []jobs.Segment, speedFactor float64) (jobs.Job, error)
}

// WSHandler は GET /ws/:jobId のWebSocketハンドラーを返します。
// 接続直後に最新スナップショットを送信し、以降はハブ経由の
// 状態更新とハートビートを中継します。
func WSHandler(hub *Hub, ctrl JobController, logger *logrus.Logger) gin.HandlerFunc {
	// CORSはHTTP層で制御するためオリジン検査はここでは行わない
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	return func(c *gin.Context) {
		jobID := c.Param("jobId")

		snapshot, err := ctrl.Snapshot(jobID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    jobs.CodeJobNotFound,
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.WithError(err).WithField("jobId", jobID).Warn("WebSocket upgrade failed")
			return
		}

		sub := hub.Subscribe(jobID)
		defer sub.Close()

		replies := make(chan []byte, replyBuffer)
		done := make(chan struct{})
		defer close(done)

		// 書き込みは単一ゴルーチンに集約する
		go func() {
			defer conn.Close()
			for {
				select {
				case payload, ok := <-sub.C:
					if !ok {
						return
					}
					if writeFrame(conn, payload) != nil {
						return
					}
				case payload := <-replies:
					if writeFrame(conn, payload) != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()

		if payload, err := encodeStatus(snapshot); err == nil {
			replies <- payload
		}

		readLoop(c.Request.Context(), conn, jobID, ctrl, replies, logger)
	}
}

func writeFrame(conn *websocket.Conn, payload []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop はクライアントからのコマンドを接続が閉じるまで処理します。
func readLoop(ctx context.Context, conn *websocket.Conn, jobID string, ctrl JobController, replies chan<- []byte, logger *logrus.Logger) {
	log := logger.WithField("jobId", jobID)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("WebSocket connection closed unexpectedly")
			}
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.WithError(err).Warn("Discarding malformed WebSocket message")
			continue
		}

		switch msg.Type {
		case CommandPing:
			// 受信自体が生存確認になるため応答は最新スナップショットの同梱で足りる
			sendSnapshot(ctrl, jobID, replies, encodeHeartbeat)
		case CommandGetStatus:
			sendSnapshot(ctrl, jobID, replies, encodeStatus)
		case CommandUpdateTranscription:
			if _, err := ctrl.UpdateTranscription(ctx, jobID, msg.Transcription, msg.SpeedFactor); err != nil {
				log.WithError(err).Warn("WebSocket transcription update rejected")
				// 拒否された場合も現在状態を返してクライアントを同期させる
				sendSnapshot(ctrl, jobID, replies, encodeStatus)
			}
		default:
			log.WithField("type", msg.Type).Warn("Ignoring unknown WebSocket command")
		}
	}
}

func sendSnapshot(ctrl JobController, jobID string, replies chan<- []byte, encode func(jobs.StatusEvent) ([]byte, error)) {
	event, err := ctrl.Snapshot(jobID)
	if err != nil {
		return
	}
	payload, err := encode(event)
	if err != nil {
		return
	}
	select {
	case replies <- payload:
	default:
	}
}
