package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// パイプライン実行タスクの種別。
const (
	taskTypeProcess = "voiceover:process"
	taskTypeResume  = "voiceover:resume"
	taskTypeAdjust  = "voiceover:adjust"

	queueVoiceover = "voiceover"
)

// PipelineRunner はパイプライン実行を担うサービスが実装します。
// ステージ失敗時のジョブ状態遷移は実装側の責務であり、
// 返されたエラーはログ出力のみに使用されます。
type PipelineRunner interface {
	RunPipeline(ctx context.Context, jobID string) error
	ResumePipeline(ctx context.Context, jobID string) error
	RunSpeedAdjustment(ctx context.Context, jobID string) error
}

// TaskPayload はパイプラインタスクのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// Manager は Asynq によるパイプラインタスクの投入と実行を担います。
// クライアントとサーバーを同一プロセスで動かすため、ジョブ状態の正本が
// メモリ上のレジストリにあってもワーカーから参照できます。
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	runner PipelineRunner
	logger *logrus.Logger
}

// NewManager は Manager を初期化します。
func NewManager(redisURL string, runner PipelineRunner, logger *logrus.Logger) (*Manager, error) {
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				queueVoiceover: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client: client,
		server: server,
		mux:    mux,
		runner: runner,
		logger: logger,
	}
	mux.HandleFunc(taskTypeProcess, manager.handleTask(runner.RunPipeline))
	mux.HandleFunc(taskTypeResume, manager.handleTask(runner.ResumePipeline))
	mux.HandleFunc(taskTypeAdjust, manager.handleTask(runner.RunSpeedAdjustment))
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logger.WithError(err).Error("asynq server stopped with error")
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// ScheduleProcess は初回パイプライン実行タスクを投入します。
func (m *Manager) ScheduleProcess(ctx context.Context, jobID string) error {
	return m.enqueue(ctx, taskTypeProcess, jobID)
}

// ScheduleResume は文字起こし確認後の再開タスクを投入します。
func (m *Manager) ScheduleResume(ctx context.Context, jobID string) error {
	return m.enqueue(ctx, taskTypeResume, jobID)
}

// ScheduleAdjust は速度調整タスクを投入します。
func (m *Manager) ScheduleAdjust(ctx context.Context, jobID string) error {
	return m.enqueue(ctx, taskTypeAdjust, jobID)
}

func (m *Manager) enqueue(ctx context.Context, taskType, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	// 再試行はパイプライン側がステージ単位で行うため、タスク自体は再実行しない
	task := asynq.NewTask(taskType, body, asynq.Queue(queueVoiceover))
	_, err = m.client.EnqueueContext(ctx, task, asynq.MaxRetry(0))
	return err
}

func (m *Manager) handleTask(run func(ctx context.Context, jobID string) error) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload TaskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return err
		}
		if payload.JobID == "" {
			return fmt.Errorf("missing jobId in payload")
		}
		if err := run(ctx, payload.JobID); err != nil {
			// ジョブ自体は error 状態に遷移済み。ここではログのみ残す。
			m.logger.WithFields(logrus.Fields{
				"job_id": payload.JobID,
				"task":   task.Type(),
			}).WithError(err).Error("pipeline task failed")
		}
		return nil
	}
}
