// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/auto-dubber/internal/config"
	"github.com/yourusername/auto-dubber/internal/status"
	"github.com/yourusername/auto-dubber/internal/voiceover"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	if cfg.GinMode == gin.ReleaseMode {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"xi-api-key", // ElevenLabs APIキーの引き渡し用ヘッダー
	}
	router.Use(cors.New(corsConfig))

	app, err := setupApplication(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize application: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 再起動前のジョブスナップショットを復元してからワーカーを開始する
	if err := app.restoreJobs(ctx); err != nil {
		logger.WithError(err).Warn("Failed to restore job snapshots")
	}
	go app.hub.Run(ctx)
	app.manager.StartWorkers()

	setupRoutes(router, cfg, app)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Infof("Starting API server on %s (mode: %s)", server.Addr, cfg.GinMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown was not clean")
	}
	if err := app.manager.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Worker shutdown was not clean")
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "auto-dubber-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループとWebSocketエンドポイントの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, app *application) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	handlerOpts := voiceover.HandlerOptions{
		MaxFileSize:    cfg.MaxFileSize,
		DefaultVoiceID: cfg.DefaultVoiceID,
	}

	api := router.Group("/api")
	{
		api.POST("/upload-video", voiceover.UploadHandler(app.service, handlerOpts))
		api.GET("/jobs", voiceover.ListJobsHandler(app.service))
		api.GET("/jobs/:id", voiceover.GetJobHandler(app.service))
		api.POST("/jobs/:id/confirm-transcription", voiceover.ConfirmTranscriptionHandler(app.service))
		api.POST("/jobs/:id/update-transcription", voiceover.UpdateTranscriptionHandler(app.service))
		api.POST("/jobs/:id/adjust-speed", voiceover.AdjustSpeedHandler(app.service))
		api.GET("/jobs/:id/download/:type", voiceover.DownloadHandler(app.service))
		api.GET("/voices", voiceover.VoicesHandler(app.voices))
	}

	router.GET("/ws/:jobId", status.WSHandler(app.hub, app.service, app.logger))
}
