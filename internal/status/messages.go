// Package status はジョブ進捗のリアルタイム配信チャネルを提供します。
// サーバー側のハブとWebSocketエンドポイント、およびクライアント側の
// 再接続スーパーバイザーを含みます。
package status

import (
	"encoding/json"
	"time"

	"github.com/yourusername/auto-dubber/internal/jobs"
)

// サーバーからクライアントへのメッセージ種別です。
const (
	MessageTypeStatus    = "status"
	MessageTypeHeartbeat = "heartbeat"
)

// クライアントからサーバーへのコマンド種別です。
const (
	CommandGetStatus           = "get_status"
	CommandUpdateTranscription = "update_transcription"
	CommandPing                = "ping"
)

// OutboundMessage はサーバーからクライアントへ送信するメッセージです。
// type フィールドとジョブスナップショットをフラットに持ちます。
type OutboundMessage struct {
	Type string `json:"type"`
	jobs.StatusEvent
}

// InboundMessage はクライアントから受信するコマンドです。
type InboundMessage struct {
	Type          string         `json:"type"`
	JobID         string         `json:"job_id,omitempty"`
	Transcription []jobs.Segment `json:"transcription,omitempty"`
	SpeedFactor   float64        `json:"speed_factor,omitempty"`
	Timestamp     int64          `json:"timestamp,omitempty"`
}

// encodeStatus はジョブスナップショットを status メッセージに変換します。
func encodeStatus(event jobs.StatusEvent) ([]byte, error) {
	return json.Marshal(OutboundMessage{
		Type:        MessageTypeStatus,
		StatusEvent: event,
	})
}

// encodeHeartbeat は最新スナップショットを載せた heartbeat メッセージに変換します。
// スナップショットを同梱することで、クライアントは heartbeat を
// 状態更新としても扱えます。
func encodeHeartbeat(event jobs.StatusEvent) ([]byte, error) {
	event.Timestamp = time.Now()
	return json.Marshal(OutboundMessage{
		Type:        MessageTypeHeartbeat,
		StatusEvent: event,
	})
}
