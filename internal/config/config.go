// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// メディア/ファイル制限
	MediaDir    string // アップロード・成果物・一時ファイルの保存先ルート
	MaxFileSize int64  // アップロード動画の最大サイズ（バイト）

	// ジョブ/キュー設定
	QueueRedisURL          string // Asynq・スナップショット共用のRedis接続URL
	JobSnapshotTTLMinutes  int    // ジョブスナップショットの有効期限（分）
	StageMaxAttempts       int    // ステージ実行の最大試行回数（初回含む）
	StageRetryDelaySeconds int    // ステージ再試行までの待ち時間（秒）

	// ステータスチャネル設定
	HeartbeatIntervalSeconds int // ハートビート送信間隔（秒）

	// 外部コラボレーター設定
	FFmpegPath        string // ffmpeg実行ファイルのパス
	WhisperPath       string // whisper実行ファイルのパス
	WhisperModel      string // whisperモデルサイズ (tiny, base, small, ...)
	ElevenLabsBaseURL string // ElevenLabs APIのベースURL
	DefaultVoiceID    string // voice_id未指定時のデフォルト音声
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// メディア/ファイル制限
		MediaDir:    getEnv("MEDIA_DIR", "media"),
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB

		// ジョブ/キュー設定
		QueueRedisURL:          getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobSnapshotTTLMinutes:  getEnvAsInt("JOB_SNAPSHOT_TTL_MINUTES", 1440), // 24時間
		StageMaxAttempts:       getEnvAsInt("STAGE_MAX_ATTEMPTS", 2),
		StageRetryDelaySeconds: getEnvAsInt("STAGE_RETRY_DELAY_SECONDS", 2),

		// ステータスチャネル設定
		HeartbeatIntervalSeconds: getEnvAsInt("HEARTBEAT_INTERVAL_SECONDS", 5),

		// 外部コラボレーター設定
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		WhisperPath:       getEnv("WHISPER_PATH", "whisper"),
		WhisperModel:      getEnv("WHISPER_MODEL", "base"),
		ElevenLabsBaseURL: getEnv("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		DefaultVoiceID:    getEnv("DEFAULT_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.StageMaxAttempts < 1 {
		return fmt.Errorf("STAGE_MAX_ATTEMPTS must be at least 1")
	}
	if c.HeartbeatIntervalSeconds < 1 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SECONDS must be at least 1")
	}

	// 本番環境では外部依存の設定を厳格にチェックする
	if c.GinMode == "release" {
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.FFmpegPath == "" {
			return fmt.Errorf("FFMPEG_PATH is required in release mode")
		}
		if c.WhisperPath == "" {
			return fmt.Errorf("WHISPER_PATH is required in release mode")
		}
	}

	return nil
}

// SnapshotTTL はジョブスナップショットの有効期限を time.Duration で返します。
func (c *Config) SnapshotTTL() time.Duration {
	minutes := c.JobSnapshotTTLMinutes
	if minutes <= 0 {
		minutes = 1440
	}
	return time.Duration(minutes) * time.Minute
}

// StageRetryDelay はステージ再試行までの待ち時間を返します。
func (c *Config) StageRetryDelay() time.Duration {
	seconds := c.StageRetryDelaySeconds
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds) * time.Second
}

// HeartbeatInterval はハートビート送信間隔を返します。
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
