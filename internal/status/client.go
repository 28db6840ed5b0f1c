package status

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/auto-dubber/internal/jobs"
)

// ErrPermanentDisconnect は再接続の上限回数を超えたことを表します。
var ErrPermanentDisconnect = errors.New("status channel permanently disconnected")

// Conn はスーパーバイザーが扱う単一のWebSocket接続です。
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// DialFunc は状態チャネルへの接続を確立します。
type DialFunc func(ctx context.Context, url string) (Conn, error)

// GorillaDial は gorilla/websocket による DialFunc 実装です。
func GorillaDial(ctx context.Context, rawURL string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &gorillaConn{conn: conn}, nil
}

type gorillaConn struct {
	conn *websocket.Conn
}

func (g *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := g.conn.ReadMessage()
	return data, err
}

func (g *gorillaConn) WriteMessage(payload []byte) error {
	g.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return g.conn.WriteMessage(websocket.TextMessage, payload)
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}

// SupervisorConfig は再接続スーパーバイザーの設定です。
// ゼロ値のフィールドには既定値が適用されます。
type SupervisorConfig struct {
	URL   string
	JobID string

	// BaseInterval は再接続待機の基本間隔です。待機時間は
	// BaseInterval * min(attempts, AttemptCap) で増加します。
	BaseInterval time.Duration
	AttemptCap   int
	MaxAttempts  int

	// ProbeThreshold を超えて受信が途絶えたら ping を送信し、
	// ForceReconnectThreshold を超えたら接続を強制的に張り直します。
	ProbeThreshold          time.Duration
	ForceReconnectThreshold time.Duration

	Dial   DialFunc
	Logger *logrus.Logger
}

// Supervisor は単一ジョブの状態チャネルを監視し、切断時は
// 上限付きバックオフで自動的に再接続します。受信したスナップショットは
// Events チャネルで購読できます。
type Supervisor struct {
	cfg    SupervisorConfig
	events chan jobs.StatusEvent
	log    *logrus.Entry
}

// NewSupervisor はスーパーバイザーを生成します。
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = time.Second
	}
	if cfg.AttemptCap <= 0 {
		cfg.AttemptCap = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.ProbeThreshold <= 0 {
		cfg.ProbeThreshold = 15 * time.Second
	}
	if cfg.ForceReconnectThreshold <= 0 {
		cfg.ForceReconnectThreshold = 30 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = GorillaDial
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Supervisor{
		cfg:    cfg,
		events: make(chan jobs.StatusEvent, subscriberBuffer),
		log:    cfg.Logger.WithField("jobId", cfg.JobID),
	}
}

// Events は受信したジョブスナップショットのチャネルを返します。
// Run の終了時に閉じられます。
func (s *Supervisor) Events() <-chan jobs.StatusEvent {
	return s.events
}

// Run は接続の監視ループを開始し、明示的な停止(ctx キャンセル)まで
// ブロックします。再接続の上限を超えた場合のみ ErrPermanentDisconnect を
// 返し、以降の再試行は行いません。
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.events)

	attempts := 0
	for {
		conn, err := s.cfg.Dial(ctx, s.cfg.URL)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempts++
			s.log.WithError(err).WithField("attempt", attempts).Warn("Status channel connection failed")
			if attempts >= s.cfg.MaxAttempts {
				s.log.Error("Giving up on status channel reconnection")
				return ErrPermanentDisconnect
			}
			if !s.waitBackoff(ctx, attempts) {
				return nil
			}
			continue
		}

		// 接続確立で試行回数をリセットする
		attempts = 0
		clean := s.serve(ctx, conn)
		if clean {
			return nil
		}

		attempts++
		s.log.WithField("attempt", attempts).Warn("Status channel connection lost")
		if attempts >= s.cfg.MaxAttempts {
			s.log.Error("Giving up on status channel reconnection")
			return ErrPermanentDisconnect
		}
		if !s.waitBackoff(ctx, attempts) {
			return nil
		}
	}
}

// waitBackoff は上限付きの線形バックオフで待機します。
// ctx のキャンセルで中断された場合は false を返します。
func (s *Supervisor) waitBackoff(ctx context.Context, attempts int) bool {
	multiplier := attempts
	if multiplier > s.cfg.AttemptCap {
		multiplier = s.cfg.AttemptCap
	}
	timer := time.NewTimer(s.cfg.BaseInterval * time.Duration(multiplier))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serve は単一接続を受信が途絶えるまで処理します。
// ctx のキャンセルによる正常終了の場合のみ true を返します。
func (s *Supervisor) serve(ctx context.Context, conn Conn) bool {
	defer conn.Close()

	if err := s.writeCommand(conn, InboundMessage{Type: CommandGetStatus, JobID: s.cfg.JobID}); err != nil {
		s.log.WithError(err).Warn("Failed to request initial status")
		return ctx.Err() != nil
	}

	inbound := make(chan []byte, subscriberBuffer)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastInbound := time.Now()
	probed := false

	for {
		select {
		case <-ctx.Done():
			return true
		case <-readErr:
			if ctx.Err() != nil {
				return true
			}
			return false
		case data := <-inbound:
			lastInbound = time.Now()
			probed = false
			s.deliver(ctx, data)
		case <-ticker.C:
			idle := time.Since(lastInbound)
			if idle >= s.cfg.ForceReconnectThreshold {
				s.log.WithField("idle", idle.String()).Warn("Status channel unresponsive, forcing reconnect")
				return false
			}
			if idle >= s.cfg.ProbeThreshold && !probed {
				probed = true
				if err := s.writeCommand(conn, InboundMessage{Type: CommandPing, JobID: s.cfg.JobID, Timestamp: time.Now().Unix()}); err != nil {
					return ctx.Err() != nil
				}
			}
		}
	}
}

func (s *Supervisor) writeCommand(conn Conn, msg InboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(payload)
}

// deliver は受信メッセージをスナップショットとして購読者へ渡します。
// ジョブIDを持たない heartbeat は生存確認のみとして扱います。
func (s *Supervisor) deliver(ctx context.Context, data []byte) {
	var msg OutboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.WithError(err).Warn("Discarding malformed status message")
		return
	}
	if msg.JobID == "" {
		return
	}
	select {
	case s.events <- msg.StatusEvent:
	case <-ctx.Done():
	}
}
