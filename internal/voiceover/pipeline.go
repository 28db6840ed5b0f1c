// Package voiceover は動画へのAIボイスオーバー生成パイプラインを提供します。
package voiceover

import (
	"context"
	"fmt"
	"mime/multipart"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/auto-dubber/internal/jobs"
)

// Clip は1セグメント分の合成音声素材です。
type Clip struct {
	Start float64
	Path  string
}

// SynthesisRequest はTTS合成の入力一式です。
type SynthesisRequest struct {
	Segments    []jobs.Segment
	VoiceID     string
	SpeedFactor float64
	APIKey      string
	OutputDir   string
}

// AudioExtractor は動画からの音声抽出を担います。
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, videoPath, audioPath string) error
}

// Transcriber は音声の文字起こしを担います。
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) ([]jobs.Segment, error)
}

// SpeechSynthesizer はセグメントごとの音声合成を担います。
type SpeechSynthesizer interface {
	SynthesizeSegments(ctx context.Context, req SynthesisRequest) ([]Clip, error)
}

// MediaAssembler は音声・動画の組み立てを担います。
type MediaAssembler interface {
	Duration(ctx context.Context, mediaPath string) (float64, error)
	ComposeVoiceover(ctx context.Context, clips []Clip, totalDuration float64, outputPath string) error
	MuxVideo(ctx context.Context, videoPath, audioPath, outputPath string) error
	AdjustAudioSpeed(ctx context.Context, audioPath string, factor float64, outputPath string) error
}

// Scheduler はパイプラインタスクを非同期キューに投入するためのインターフェースです。
type Scheduler interface {
	ScheduleProcess(ctx context.Context, jobID string) error
	ScheduleResume(ctx context.Context, jobID string) error
	ScheduleAdjust(ctx context.Context, jobID string) error
}

// StatusPublisher はジョブスナップショットを購読者へ配信します。
type StatusPublisher interface {
	Publish(event jobs.StatusEvent)
}

// SnapshotSaver はジョブレコードを永続ミラーへ書き出します。
type SnapshotSaver interface {
	Save(ctx context.Context, job jobs.Job) error
}

// ServiceParams は Service の依存一式です。
type ServiceParams struct {
	Registry       *jobs.Registry
	Workspace      *Workspace
	Publisher      StatusPublisher
	Snapshots      SnapshotSaver
	Extractor      AudioExtractor
	Transcriber    Transcriber
	Synthesizer    SpeechSynthesizer
	Assembler      MediaAssembler
	Logger         *logrus.Logger
	DefaultVoiceID string
	MaxAttempts    int
	RetryDelay     time.Duration
}

// Service はジョブのライフサイクルを駆動するオーケストレーターです。
// ジョブ状態の変更はすべて Service を経由し、変更のたびにステータスチャネルへ
// スナップショットを配信します。
type Service struct {
	registry       *jobs.Registry
	workspace      *Workspace
	publisher      StatusPublisher
	snapshots      SnapshotSaver
	scheduler      Scheduler
	extractor      AudioExtractor
	transcriber    Transcriber
	synthesizer    SpeechSynthesizer
	assembler      MediaAssembler
	logger         *logrus.Logger
	defaultVoiceID string
	maxAttempts    int
	retryDelay     time.Duration

	// TTS認証情報はジョブレコードに含めず、プロセス内でのみ保持する
	apiKeys sync.Map
}

// NewService は Service を初期化します。
func NewService(params ServiceParams) (*Service, error) {
	if params.Registry == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	if params.Workspace == nil {
		return nil, fmt.Errorf("workspace is nil")
	}
	logger := params.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Service{
		registry:       params.Registry,
		workspace:      params.Workspace,
		publisher:      params.Publisher,
		snapshots:      params.Snapshots,
		extractor:      params.Extractor,
		transcriber:    params.Transcriber,
		synthesizer:    params.Synthesizer,
		assembler:      params.Assembler,
		logger:         logger,
		defaultVoiceID: params.DefaultVoiceID,
		maxAttempts:    maxAttempts,
		retryDelay:     params.RetryDelay,
	}, nil
}

// SetScheduler はタスクスケジューラを設定します。
// Manager が Service に依存するため、配線時に後から注入します。
func (s *Service) SetScheduler(scheduler Scheduler) {
	s.scheduler = scheduler
}

// CreateJob はアップロードを受理してジョブを作成し、初回パイプライン実行を予約します。
func (s *Service) CreateJob(ctx context.Context, file *multipart.FileHeader, voiceID string, speedFactor float64, apiKey string, maxFileSize int64) (jobs.Job, error) {
	if !jobs.ValidSpeedFactor(speedFactor) {
		return jobs.Job{}, jobs.NewError(jobs.CodeInvalidInput, "速度係数は 0.7〜1.2 の範囲で指定してください。", fmt.Errorf("speed factor %v out of range", speedFactor))
	}
	if voiceID == "" {
		voiceID = s.defaultVoiceID
	}

	jobID := uuid.NewString()
	if _, err := s.workspace.StoreUpload(jobID, file, maxFileSize); err != nil {
		return jobs.Job{}, err
	}

	job := jobs.Job{
		ID:              jobID,
		Filename:        file.Filename,
		Status:          jobs.StatusUploaded,
		Progress:        jobs.StatusUploaded.StageProgress(),
		CurrentActivity: jobs.StatusUploaded.Message(),
		VoiceID:         voiceID,
		SpeedFactor:     speedFactor,
		CreatedAt:       time.Now().UTC(),
	}
	if _, err := s.registry.Create(job); err != nil {
		return jobs.Job{}, err
	}
	if apiKey != "" {
		s.apiKeys.Store(jobID, apiKey)
	}
	s.afterUpdate(ctx, job)

	if s.scheduler != nil {
		if err := s.scheduler.ScheduleProcess(ctx, jobID); err != nil {
			failed, ferr := s.failJob(ctx, jobID, fmt.Errorf("failed to schedule processing: %w", err))
			if ferr != nil {
				return jobs.Job{}, ferr
			}
			return failed, nil
		}
	}

	s.logger.WithFields(logrus.Fields{"job_id": jobID, "filename": file.Filename}).Info("job created")
	return job, nil
}

// GetJob はジョブのコピーを返します。
func (s *Service) GetJob(jobID string) (jobs.Job, error) {
	return s.registry.Get(jobID)
}

// ListJobs は全ジョブをID→Jobのマップで返します。
func (s *Service) ListJobs() map[string]jobs.Job {
	return s.registry.List()
}

// Snapshot はジョブの現在状態をステータスイベントとして返します。
func (s *Service) Snapshot(jobID string) (jobs.StatusEvent, error) {
	job, err := s.registry.Get(jobID)
	if err != nil {
		return jobs.StatusEvent{}, err
	}
	return job.Snapshot(), nil
}

// ConfirmTranscription は文字起こしを変更なしで確定し、パイプラインを再開します。
// transcription_complete 以外の状態では競合エラーになります。
func (s *Service) ConfirmTranscription(ctx context.Context, jobID string) (jobs.Job, error) {
	job, err := s.updateJob(ctx, jobID, func(j *jobs.Job) error {
		if j.Status != jobs.StatusTranscriptionComplete {
			return jobs.ConflictError("このジョブは文字起こしの確認待ちではありません。", j.Status)
		}
		s.applyStatus(j, jobs.StatusTranscriptionConfirmed, "")
		return nil
	})
	if err != nil {
		return jobs.Job{}, err
	}
	if err := s.scheduleResume(ctx, jobID); err != nil {
		return jobs.Job{}, err
	}
	return job, nil
}

// UpdateTranscription は編集済みテキストを反映して文字起こしを確定し、パイプラインを再開します。
// セグメントの開始・終了時刻と並び順は元の文字起こしのものを保持し、
// クライアントから受け取った値では上書きしません。
func (s *Service) UpdateTranscription(ctx context.Context, jobID string, segments []jobs.Segment, speedFactor float64) (jobs.Job, error) {
	if speedFactor != 0 && !jobs.ValidSpeedFactor(speedFactor) {
		return jobs.Job{}, jobs.NewError(jobs.CodeInvalidInput, "速度係数は 0.7〜1.2 の範囲で指定してください。", fmt.Errorf("speed factor %v out of range", speedFactor))
	}

	job, err := s.updateJob(ctx, jobID, func(j *jobs.Job) error {
		if j.Status != jobs.StatusTranscriptionComplete {
			return jobs.ConflictError("このジョブは文字起こしの確認待ちではありません。", j.Status)
		}
		if len(segments) != len(j.Transcription) {
			return jobs.NewError(jobs.CodeInvalidInput, "セグメント数が元の文字起こしと一致しません。", fmt.Errorf("got %d segments, want %d", len(segments), len(j.Transcription)))
		}
		for i := range j.Transcription {
			j.Transcription[i].Text = segments[i].Text
		}
		if speedFactor != 0 {
			j.SpeedFactor = speedFactor
		}
		s.applyStatus(j, jobs.StatusTranscriptionConfirmed, "")
		return nil
	})
	if err != nil {
		return jobs.Job{}, err
	}

	// 編集後のテキストで字幕ファイルを作り直す
	if job.SRTPath != "" {
		if err := WriteSRT(job.Transcription, job.SRTPath); err != nil {
			s.logger.WithField("job_id", jobID).WithError(err).Warn("failed to rewrite SRT after transcription update")
		}
	}

	if err := s.scheduleResume(ctx, jobID); err != nil {
		return jobs.Job{}, err
	}
	return job, nil
}

// AdjustSpeed は完了済みジョブに対する速度調整の再実行を受理します。
// completed 以外の状態（実行中の調整を含む）では競合エラーになります。
func (s *Service) AdjustSpeed(ctx context.Context, jobID string, factor float64) (jobs.Job, error) {
	if !jobs.ValidSpeedFactor(factor) {
		return jobs.Job{}, jobs.NewError(jobs.CodeInvalidInput, "速度係数は 0.7〜1.2 の範囲で指定してください。", fmt.Errorf("speed factor %v out of range", factor))
	}

	job, err := s.updateJob(ctx, jobID, func(j *jobs.Job) error {
		if j.Status != jobs.StatusCompleted {
			return jobs.ConflictError("速度調整は完了済みのジョブに対してのみ実行できます。", j.Status)
		}
		j.SpeedFactor = factor
		j.FinishedAt = nil
		// 明示的な新しい実行のため、進捗の巻き戻しを許可する
		j.Status = jobs.StatusAdjustingSpeed
		j.Progress = jobs.StatusAdjustingSpeed.StageProgress()
		j.CurrentActivity = fmt.Sprintf("Adjusting audio speed to %.0f%%", factor*100)
		return nil
	})
	if err != nil {
		return jobs.Job{}, err
	}

	if s.scheduler != nil {
		if err := s.scheduler.ScheduleAdjust(ctx, jobID); err != nil {
			if _, ferr := s.failJob(ctx, jobID, fmt.Errorf("failed to schedule speed adjustment: %w", err)); ferr != nil {
				return jobs.Job{}, ferr
			}
			return jobs.Job{}, jobs.NewError(jobs.CodeInternalError, "速度調整の開始に失敗しました。", err)
		}
	}
	return job, nil
}

// RunPipeline は uploaded から transcription_complete（確認ゲート）までを実行します。
func (s *Service) RunPipeline(ctx context.Context, jobID string) error {
	if _, err := s.registry.Get(jobID); err != nil {
		return err
	}
	videoPath, err := s.workspace.VideoPath(jobID)
	if err != nil {
		_, _ = s.failJob(ctx, jobID, err)
		return err
	}

	// ステージ1: 音声抽出
	if _, err := s.transition(ctx, jobID, jobs.StatusExtractingAudio, ""); err != nil {
		return err
	}
	audioPath := s.workspace.ExtractedAudioPath(jobID)
	if err := s.runStage(ctx, jobID, "audio extraction", func(ctx context.Context) error {
		return s.extractor.ExtractAudio(ctx, videoPath, audioPath)
	}); err != nil {
		_, _ = s.failJob(ctx, jobID, err)
		return err
	}

	// ステージ2: 文字起こし
	if _, err := s.transition(ctx, jobID, jobs.StatusTranscribing, ""); err != nil {
		return err
	}
	var segments []jobs.Segment
	if err := s.runStage(ctx, jobID, "transcription", func(ctx context.Context) error {
		var terr error
		segments, terr = s.transcriber.Transcribe(ctx, audioPath)
		return terr
	}); err != nil {
		_, _ = s.failJob(ctx, jobID, err)
		return err
	}
	if len(segments) == 0 {
		err := fmt.Errorf("no speech detected in the video")
		_, _ = s.failJob(ctx, jobID, err)
		return err
	}

	srtPath := s.workspace.SRTPath(jobID)
	if err := WriteSRT(segments, srtPath); err != nil {
		// 字幕はレビュー補助のため、保存失敗でもパイプラインは止めない
		s.logger.WithField("job_id", jobID).WithError(err).Warn("failed to save SRT file")
		srtPath = ""
	}

	// ゲート: 文字起こし確認待ちで停止する
	if _, err := s.updateJob(ctx, jobID, func(j *jobs.Job) error {
		if j.Status == jobs.StatusError {
			return jobs.ConflictError("このジョブは失敗済みです。", j.Status)
		}
		j.Transcription = segments
		j.AudioPath = audioPath
		j.SRTPath = srtPath
		s.applyStatus(j, jobs.StatusTranscriptionComplete, "")
		return nil
	}); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{"job_id": jobID, "segments": len(segments)}).
		Info("pipeline parked waiting for transcription review")
	return nil
}

// ResumePipeline は transcription_confirmed から completed までを実行します。
func (s *Service) ResumePipeline(ctx context.Context, jobID string) error {
	job, err := s.registry.Get(jobID)
	if err != nil {
		return err
	}
	videoPath, err := s.workspace.VideoPath(jobID)
	if err != nil {
		_, _ = s.failJob(ctx, jobID, err)
		return err
	}

	apiKey := ""
	if v, ok := s.apiKeys.Load(jobID); ok {
		apiKey = v.(string)
	}

	// ステージ3: TTS生成
	activity := fmt.Sprintf("Generating AI voiceover with speed factor %.2f", job.SpeedFactor)
	if _, err := s.transition(ctx, jobID, jobs.StatusGeneratingTTS, activity); err != nil {
		return err
	}
	clipDir, err := s.workspace.ClipDir(jobID)
	if err != nil {
		_, _ = s.failJob(ctx, jobID, err)
		return err
	}
	var clips []Clip
	if err := s.runStage(ctx, jobID, "tts generation", func(ctx context.Context) error {
		var serr error
		clips, serr = s.synthesizer.SynthesizeSegments(ctx, SynthesisRequest{
			Segments:    job.Transcription,
			VoiceID:     job.VoiceID,
			SpeedFactor: job.SpeedFactor,
			APIKey:      apiKey,
			OutputDir:   clipDir,
		})
		return serr
	}); err != nil {
		_, _ = s.failJob(ctx, jobID, err)
		return err
	}
	if len(clips) == 0 {
		err := fmt.Errorf("failed to generate TTS audio")
		_, _ = s.failJob(ctx, jobID, err)
		return err
	}

	// ステージ4: ボイスオーバー組み立て
	if _, err := s.transition(ctx, jobID, jobs.StatusCreatingVoiceover, ""); err != nil {
		return err
	}
	voiceoverPath := s.workspace.VoiceoverAudioPath(jobID)
	if err := s.runStage(ctx, jobID, "voiceover assembly", func(ctx context.Context) error {
		duration, derr := s.assembler.Duration(ctx, videoPath)
		if derr != nil {
			return derr
		}
		return s.assembler.ComposeVoiceover(ctx, clips, duration, voiceoverPath)
	}); err != nil {
		_, _ = s.failJob(ctx, jobID, err)
		return err
	}

	// ステージ5: 最終動画生成
	if _, err := s.transition(ctx, jobID, jobs.StatusCreatingVideo, ""); err != nil {
		return err
	}
	outputVideoPath := s.workspace.OutputVideoPath(jobID)
	if err := s.runStage(ctx, jobID, "final video", func(ctx context.Context) error {
		return s.assembler.MuxVideo(ctx, videoPath, voiceoverPath, outputVideoPath)
	}); err != nil {
		_, _ = s.failJob(ctx, jobID, err)
		return err
	}

	// 完了
	if _, err := s.updateJob(ctx, jobID, func(j *jobs.Job) error {
		if j.Status == jobs.StatusError {
			return jobs.ConflictError("このジョブは失敗済みです。", j.Status)
		}
		j.VideoPath = outputVideoPath
		j.AudioPath = voiceoverPath
		now := time.Now().UTC()
		j.FinishedAt = &now
		s.applyStatus(j, jobs.StatusCompleted, "Processing completed successfully")
		return nil
	}); err != nil {
		return err
	}

	s.logger.WithField("job_id", jobID).Info("pipeline completed")
	return nil
}

// RunSpeedAdjustment は adjusting_speed から completed までの調整サブフローを実行します。
// 新しい成果物が書き上がるまで、元の成果物は上書きしません。
func (s *Service) RunSpeedAdjustment(ctx context.Context, jobID string) error {
	job, err := s.registry.Get(jobID)
	if err != nil {
		return err
	}
	videoPath, err := s.workspace.VideoPath(jobID)
	if err != nil {
		_, _ = s.failJob(ctx, jobID, err)
		return err
	}

	factor := job.SpeedFactor
	adjustedAudioPath := s.workspace.AdjustedAudioPath(jobID, factor)
	if err := s.runStage(ctx, jobID, "audio speed adjustment", func(ctx context.Context) error {
		return s.assembler.AdjustAudioSpeed(ctx, job.AudioPath, factor, adjustedAudioPath)
	}); err != nil {
		_, _ = s.failJob(ctx, jobID, err)
		return err
	}

	if _, err := s.transition(ctx, jobID, jobs.StatusCreatingAdjustedVideo, ""); err != nil {
		return err
	}
	adjustedVideoPath := s.workspace.AdjustedVideoPath(jobID, factor)
	if err := s.runStage(ctx, jobID, "adjusted video", func(ctx context.Context) error {
		return s.assembler.MuxVideo(ctx, videoPath, adjustedAudioPath, adjustedVideoPath)
	}); err != nil {
		_, _ = s.failJob(ctx, jobID, err)
		return err
	}

	if _, err := s.updateJob(ctx, jobID, func(j *jobs.Job) error {
		if j.Status == jobs.StatusError {
			return jobs.ConflictError("このジョブは失敗済みです。", j.Status)
		}
		j.AudioPath = adjustedAudioPath
		j.VideoPath = adjustedVideoPath
		now := time.Now().UTC()
		j.FinishedAt = &now
		s.applyStatus(j, jobs.StatusCompleted, "Speed adjustment completed successfully")
		return nil
	}); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{"job_id": jobID, "speed_factor": factor}).
		Info("speed adjustment completed")
	return nil
}

// MarkInterrupted は再起動で実行タスクを失ったジョブを error 状態にします。
// ゲート待ち・終端状態のジョブはそのまま復元対象です。
func (s *Service) MarkInterrupted(ctx context.Context, jobID string) error {
	_, err := s.updateJob(ctx, jobID, func(j *jobs.Job) error {
		if j.Status.Terminal() || j.Status == jobs.StatusTranscriptionComplete || j.Status == jobs.StatusUploaded {
			return jobs.ConflictError("このジョブは中断扱いにできません。", j.Status)
		}
		j.Error = "processing was interrupted by a server restart"
		j.CurrentActivity = "Error: processing was interrupted by a server restart"
		now := time.Now().UTC()
		j.FinishedAt = &now
		j.Status = jobs.StatusError
		return nil
	})
	return err
}

// runStage はステージ処理を上限付きで再試行しながら実行します。
func (s *Service) runStage(ctx context.Context, jobID, stage string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		s.logger.WithFields(logrus.Fields{
			"job_id":  jobID,
			"stage":   stage,
			"attempt": attempt,
		}).WithError(lastErr).Warn("stage attempt failed")
		if attempt < s.maxAttempts && s.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
	}
	return jobs.NewError(jobs.CodeExternalService, fmt.Sprintf("%s に失敗しました。", stage), lastErr)
}

// transition はステータスを進め、スナップショットを配信します。
// error は吸収状態であり、以後の遷移は拒否されます。
func (s *Service) transition(ctx context.Context, jobID string, status jobs.Status, activity string) (jobs.Job, error) {
	return s.updateJob(ctx, jobID, func(j *jobs.Job) error {
		if j.Status == jobs.StatusError {
			return jobs.ConflictError("このジョブは失敗済みです。", j.Status)
		}
		s.applyStatus(j, status, activity)
		return nil
	})
}

// applyStatus はステータス・進捗・表示メッセージをまとめて反映します。
// 進捗は同一実行内で後退しないよう、現在値との大きい方を採用します。
func (s *Service) applyStatus(j *jobs.Job, status jobs.Status, activity string) {
	j.Status = status
	if p := status.StageProgress(); p > j.Progress {
		j.Progress = p
	}
	if activity == "" {
		activity = status.Message()
	}
	j.CurrentActivity = activity
}

// failJob はジョブを終端の error 状態へ遷移させます。既に error の場合は何もしません。
func (s *Service) failJob(ctx context.Context, jobID string, cause error) (jobs.Job, error) {
	s.logger.WithField("job_id", jobID).WithError(cause).Error("job failed")
	return s.updateJob(ctx, jobID, func(j *jobs.Job) error {
		if j.Status == jobs.StatusError {
			return nil
		}
		j.Error = cause.Error()
		j.CurrentActivity = "Error: " + cause.Error()
		now := time.Now().UTC()
		j.FinishedAt = &now
		j.Status = jobs.StatusError
		return nil
	})
}

// updateJob はレジストリ更新と配信・スナップショット保存をまとめて行います。
func (s *Service) updateJob(ctx context.Context, jobID string, mutate func(*jobs.Job) error) (jobs.Job, error) {
	job, err := s.registry.Update(jobID, mutate)
	if err != nil {
		return jobs.Job{}, err
	}
	s.afterUpdate(ctx, job)
	return job, nil
}

func (s *Service) afterUpdate(ctx context.Context, job jobs.Job) {
	if s.publisher != nil {
		s.publisher.Publish(job.Snapshot())
	}
	if s.snapshots != nil {
		if err := s.snapshots.Save(ctx, job); err != nil {
			s.logger.WithField("job_id", job.ID).WithError(err).Warn("failed to save job snapshot")
		}
	}
}

func (s *Service) scheduleResume(ctx context.Context, jobID string) error {
	if s.scheduler == nil {
		return nil
	}
	if err := s.scheduler.ScheduleResume(ctx, jobID); err != nil {
		if _, ferr := s.failJob(ctx, jobID, fmt.Errorf("failed to schedule resume: %w", err)); ferr != nil {
			return ferr
		}
		return jobs.NewError(jobs.CodeInternalError, "処理の再開に失敗しました。", err)
	}
	return nil
}
