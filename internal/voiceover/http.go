package voiceover

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/auto-dubber/internal/jobs"
)

// JobService はHTTPハンドラーが利用するジョブ操作の集合です。
type JobService interface {
	CreateJob(ctx context.Context, file *multipart.FileHeader, voiceID string, speedFactor float64, apiKey string, maxFileSize int64) (jobs.Job, error)
	GetJob(jobID string) (jobs.Job, error)
	ListJobs() map[string]jobs.Job
	ConfirmTranscription(ctx context.Context, jobID string) (jobs.Job, error)
	UpdateTranscription(ctx context.Context, jobID string, segments []jobs.Segment, speedFactor float64) (jobs.Job, error)
	AdjustSpeed(ctx context.Context, jobID string, factor float64) (jobs.Job, error)
}

// Voice は選択可能な合成音声の情報です。
type Voice struct {
	VoiceID     string `json:"voice_id"`
	Name        string `json:"name"`
	PreviewURL  string `json:"preview_url,omitempty"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
}

// VoiceLister は利用可能な音声一覧の取得を提供します。
type VoiceLister interface {
	Voices(ctx context.Context, apiKey string) ([]Voice, error)
}

// HandlerOptions はアップロード受理のための設定です。
type HandlerOptions struct {
	MaxFileSize    int64
	DefaultVoiceID string
}

// UploadHandler は POST /api/upload-video のハンドラーを返します。
func UploadHandler(svc JobService, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": "multipart/form-data で動画ファイルを送信してください。",
			})
			return
		}

		voiceID := strings.TrimSpace(c.PostForm("voice_id"))
		if voiceID == "" {
			voiceID = opts.DefaultVoiceID
		}

		speedFactor := 1.0
		if raw := strings.TrimSpace(c.PostForm("speed_factor")); raw != "" {
			speedFactor, err = strconv.ParseFloat(raw, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    jobs.CodeInvalidInput,
					"message": "speed_factor は数値で指定してください。",
				})
				return
			}
		}

		// APIキーはヘッダー優先、フォームをフォールバックとして受け付ける
		apiKey := strings.TrimSpace(c.GetHeader("xi-api-key"))
		if apiKey == "" {
			apiKey = strings.TrimSpace(c.PostForm("elevenlabs_api_key"))
		}

		job, err := svc.CreateJob(c.Request.Context(), file, voiceID, speedFactor, apiKey, opts.MaxFileSize)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// ListJobsHandler は GET /api/jobs のハンドラーを返します。
func ListJobsHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.ListJobs())
	}
}

// GetJobHandler は GET /api/jobs/:id のハンドラーを返します。
func GetJobHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": "jobId を指定してください。",
			})
			return
		}
		job, err := svc.GetJob(jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// ConfirmTranscriptionHandler は POST /api/jobs/:id/confirm-transcription のハンドラーを返します。
func ConfirmTranscriptionHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := svc.ConfirmTranscription(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// updateTranscriptionRequest は文字起こし更新のリクエストボディです。
type updateTranscriptionRequest struct {
	Transcription []jobs.Segment `json:"transcription"`
	SpeedFactor   float64        `json:"speed_factor"`
}

// UpdateTranscriptionHandler は POST /api/jobs/:id/update-transcription のハンドラーを返します。
func UpdateTranscriptionHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateTranscriptionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": "文字起こしの形式が正しくありません。",
			})
			return
		}
		if len(req.Transcription) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": "transcription を指定してください。",
			})
			return
		}

		job, err := svc.UpdateTranscription(c.Request.Context(), c.Param("id"), req.Transcription, req.SpeedFactor)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// AdjustSpeedHandler は POST /api/jobs/:id/adjust-speed のハンドラーを返します。
func AdjustSpeedHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.PostForm("speed_factor"))
		if raw == "" {
			var body struct {
				SpeedFactor float64 `json:"speed_factor"`
			}
			if err := c.ShouldBindJSON(&body); err != nil || body.SpeedFactor == 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    jobs.CodeInvalidInput,
					"message": "speed_factor を指定してください。",
				})
				return
			}
			raw = strconv.FormatFloat(body.SpeedFactor, 'f', -1, 64)
		}
		factor, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": "speed_factor は数値で指定してください。",
			})
			return
		}

		job, err := svc.AdjustSpeed(c.Request.Context(), c.Param("id"), factor)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// DownloadHandler は GET /api/jobs/:id/download/:type のハンドラーを返します。
func DownloadHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := svc.GetJob(c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}

		artifact, file, err := OpenArtifact(job, c.Param("type"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer file.Close()

		encodedName := url.PathEscape(artifact.Filename)
		c.Header("Content-Type", artifact.ContentType)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", artifact.Filename, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", job.ID)
		c.DataFromReader(http.StatusOK, artifact.Size, artifact.ContentType, file, nil)
	}
}

// VoicesHandler は GET /api/voices のハンドラーを返します。
func VoicesHandler(lister VoiceLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := strings.TrimSpace(c.GetHeader("xi-api-key"))
		if apiKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": "xi-api-key ヘッダーでAPIキーを指定してください。",
			})
			return
		}

		voices, err := lister.Voices(c.Request.Context(), apiKey)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, voices)
	}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *jobs.Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusInternalServerError
		switch apiErr.Code {
		case jobs.CodeInvalidInput:
			status = http.StatusBadRequest
		case jobs.CodeJobNotFound:
			status = http.StatusNotFound
		case jobs.CodeConflict:
			status = http.StatusConflict
		case jobs.CodeExternalService:
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    jobs.CodeInternalError,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
