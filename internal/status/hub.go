package status

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/auto-dubber/internal/jobs"
)

// subscriberBuffer は購読者ごとの送信バッファ数です。
// バッファが満杯の購読者は低速とみなし切断します。
const subscriberBuffer = 16

// SnapshotSource はジョブの最新スナップショットの取得を提供します。
type SnapshotSource interface {
	Snapshot(jobID string) (jobs.StatusEvent, error)
}

// Subscription は単一ジョブの状態メッセージを受け取る購読です。
type Subscription struct {
	C <-chan []byte

	hub   *Hub
	jobID string
	ch    chan []byte
	once  sync.Once
}

// Close は購読を解除し、チャネルを閉じます。複数回呼んでも安全です。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.ch)
	})
}

// Hub はジョブ単位の状態ブロードキャストを管理します。
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscription]struct{}
	snapshots   SnapshotSource
	heartbeat   time.Duration
	logger      *logrus.Logger
}

// NewHub はブロードキャストハブを生成します。
func NewHub(snapshots SnapshotSource, heartbeat time.Duration, logger *logrus.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	return &Hub{
		subscribers: make(map[string]map[*Subscription]struct{}),
		snapshots:   snapshots,
		heartbeat:   heartbeat,
		logger:      logger,
	}
}

// Subscribe は指定ジョブの状態メッセージの購読を開始します。
func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		hub:   h,
		jobID: jobID,
		ch:    make(chan []byte, subscriberBuffer),
	}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[jobID] == nil {
		h.subscribers[jobID] = make(map[*Subscription]struct{})
	}
	h.subscribers[jobID][sub] = struct{}{}
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subscribers[sub.jobID]
	if set == nil {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subscribers, sub.jobID)
	}
}

// Publish はジョブの状態更新を当該ジョブの全購読者へ配信します。
// 購読者がいないジョブへの配信は何もしません。
func (h *Hub) Publish(event jobs.StatusEvent) {
	payload, err := encodeStatus(event)
	if err != nil {
		h.logger.WithError(err).WithField("jobId", event.JobID).Warn("Failed to encode status message")
		return
	}
	h.broadcast(event.JobID, payload)
}

// broadcast は単一ジョブの購読者全員へペイロードを送信します。
// バッファが満杯の購読者は配信から除外して切断します。
func (h *Hub) broadcast(jobID string, payload []byte) {
	var slow []*Subscription

	h.mu.RLock()
	for sub := range h.subscribers[jobID] {
		select {
		case sub.ch <- payload:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.WithField("jobId", jobID).Warn("Disconnecting slow status subscriber")
		sub.Close()
	}
}

// Run は定期的なハートビート配信を開始し、ctx がキャンセルされるまでブロックします。
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sendHeartbeats()
		}
	}
}

func (h *Hub) sendHeartbeats() {
	h.mu.RLock()
	jobIDs := make([]string, 0, len(h.subscribers))
	for jobID := range h.subscribers {
		jobIDs = append(jobIDs, jobID)
	}
	h.mu.RUnlock()

	for _, jobID := range jobIDs {
		event, err := h.snapshots.Snapshot(jobID)
		if err != nil {
			// ジョブが消えていてもハートビート自体は届ける
			event = jobs.StatusEvent{JobID: jobID}
		}
		payload, err := encodeHeartbeat(event)
		if err != nil {
			h.logger.WithError(err).WithField("jobId", jobID).Warn("Failed to encode heartbeat message")
			continue
		}
		h.broadcast(jobID, payload)
	}
}
