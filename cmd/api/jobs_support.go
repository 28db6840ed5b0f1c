package main

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/auto-dubber/internal/config"
	"github.com/yourusername/auto-dubber/internal/jobs"
	"github.com/yourusername/auto-dubber/internal/media"
	"github.com/yourusername/auto-dubber/internal/status"
	"github.com/yourusername/auto-dubber/internal/transcribe"
	"github.com/yourusername/auto-dubber/internal/tts"
	"github.com/yourusername/auto-dubber/internal/voiceover"
)

// application はAPIサーバーを構成するコンポーネントの束です。
type application struct {
	service   *voiceover.Service
	manager   *jobs.Manager
	hub       *status.Hub
	voices    voiceover.VoiceLister
	registry  *jobs.Registry
	snapshots *jobs.SnapshotStore
	logger    *logrus.Logger
}

// registrySnapshots はレジストリをハブのスナップショット源として使うアダプターです。
type registrySnapshots struct {
	registry *jobs.Registry
}

func (r registrySnapshots) Snapshot(jobID string) (jobs.StatusEvent, error) {
	job, err := r.registry.Get(jobID)
	if err != nil {
		return jobs.StatusEvent{}, err
	}
	return job.Snapshot(), nil
}

// setupApplication は設定からコンポーネント一式を組み立てます。
func setupApplication(cfg *config.Config, logger *logrus.Logger) (*application, error) {
	workspace, err := voiceover.NewWorkspace(cfg.MediaDir)
	if err != nil {
		return nil, err
	}

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(opt)

	registry := jobs.NewRegistry()
	snapshots := jobs.NewSnapshotStore(redisClient, cfg.SnapshotTTL())
	hub := status.NewHub(registrySnapshots{registry: registry}, cfg.HeartbeatInterval(), logger)

	ttsClient := tts.NewClient(cfg.ElevenLabsBaseURL, logger)

	service, err := voiceover.NewService(voiceover.ServiceParams{
		Registry:       registry,
		Workspace:      workspace,
		Publisher:      hub,
		Snapshots:      snapshots,
		Extractor:      media.NewFFmpeg(cfg.FFmpegPath, logger),
		Transcriber:    transcribe.NewWhisper(cfg.WhisperPath, cfg.WhisperModel, logger),
		Synthesizer:    ttsClient,
		Assembler:      media.NewFFmpeg(cfg.FFmpegPath, logger),
		Logger:         logger,
		DefaultVoiceID: cfg.DefaultVoiceID,
		MaxAttempts:    cfg.StageMaxAttempts,
		RetryDelay:     cfg.StageRetryDelay(),
	})
	if err != nil {
		return nil, err
	}

	manager, err := jobs.NewManager(cfg.QueueRedisURL, service, logger)
	if err != nil {
		return nil, err
	}
	service.SetScheduler(manager)

	return &application{
		service:   service,
		manager:   manager,
		hub:       hub,
		voices:    ttsClient,
		registry:  registry,
		snapshots: snapshots,
		logger:    logger,
	}, nil
}

// restoreJobs は再起動前のジョブスナップショットをレジストリへ読み戻します。
// 実行途中で中断されたジョブはエラー状態へ遷移させます。
func (a *application) restoreJobs(ctx context.Context) error {
	restored, err := a.snapshots.LoadAll(ctx)
	if err != nil {
		return err
	}

	for _, job := range restored {
		if _, err := a.registry.Create(job); err != nil {
			a.logger.WithError(err).WithField("jobId", job.ID).Warn("Skipping snapshot restore")
			continue
		}
		if err := a.service.MarkInterrupted(ctx, job.ID); err != nil {
			a.logger.WithError(err).WithField("jobId", job.ID).Warn("Failed to mark job as interrupted")
		}
	}

	if len(restored) > 0 {
		a.logger.WithField("count", len(restored)).Info("Restored job snapshots from Redis")
	}
	return nil
}
