// Package tts はElevenLabs APIによる音声合成を提供します。
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/auto-dubber/internal/jobs"
	"github.com/yourusername/auto-dubber/internal/voiceover"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModelID = "eleven_multilingual_v2"

	// 音声設定は聞き取りやすいナレーション向けの固定値です。
	voiceStability       = 0.7
	voiceSimilarityBoost = 0.75
)

// Client はElevenLabs APIのクライアントです。
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient はElevenLabsクライアントを生成します。baseURL が空の場合は
// 本番APIのエンドポイントを使用します。
func NewClient(baseURL string, logger *logrus.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logger,
	}
}

type synthesizeRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// SynthesizeSegments はセグメントごとに音声を合成し、開始時刻付きの
// クリップ一覧を返します。1件でも失敗した場合は全体を失敗とします。
func (c *Client) SynthesizeSegments(ctx context.Context, req voiceover.SynthesisRequest) ([]voiceover.Clip, error) {
	if req.APIKey == "" {
		return nil, jobs.NewError(jobs.CodeInvalidInput, "ElevenLabsのAPIキーを指定してください。", nil)
	}
	if err := os.MkdirAll(req.OutputDir, 0o750); err != nil {
		return nil, jobs.NewError(jobs.CodeInternalError, "作業ディレクトリの作成に失敗しました。", err)
	}

	clips := make([]voiceover.Clip, 0, len(req.Segments))
	for i, segment := range req.Segments {
		clipPath := filepath.Join(req.OutputDir, fmt.Sprintf("segment_%03d.mp3", i))
		if err := c.synthesize(ctx, segment.Text, req.VoiceID, req.SpeedFactor, req.APIKey, clipPath); err != nil {
			return nil, err
		}
		clips = append(clips, voiceover.Clip{
			Start: segment.Start,
			Path:  clipPath,
		})
	}

	c.logger.WithField("clips", len(clips)).Info("Finished synthesizing voiceover clips")
	return clips, nil
}

// synthesize は単一セグメントの音声を生成してファイルへ保存します。
func (c *Client) synthesize(ctx context.Context, text, voiceID string, speedFactor float64, apiKey, outputPath string) error {
	payload, err := json.Marshal(synthesizeRequest{
		Text:    text,
		ModelID: defaultModelID,
		VoiceSettings: voiceSettings{
			Stability:       voiceStability,
			SimilarityBoost: voiceSimilarityBoost,
			Speed:           speedFactor,
		},
	})
	if err != nil {
		return jobs.NewError(jobs.CodeInternalError, "音声合成リクエストの作成に失敗しました。", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", c.baseURL, voiceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return jobs.NewError(jobs.CodeInternalError, "音声合成リクエストの作成に失敗しました。", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return jobs.NewError(jobs.CodeExternalService, "音声合成サービスへの接続に失敗しました。", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return jobs.NewError(jobs.CodeExternalService, "音声合成に失敗しました。",
			fmt.Errorf("elevenlabs returned status %d: %s", resp.StatusCode, string(body)))
	}

	file, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return jobs.NewError(jobs.CodeInternalError, "音声ファイルの保存に失敗しました。", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		os.Remove(outputPath)
		return jobs.NewError(jobs.CodeInternalError, "音声ファイルの保存に失敗しました。", err)
	}
	return nil
}

type voicesResponse struct {
	Voices []struct {
		VoiceID     string `json:"voice_id"`
		Name        string `json:"name"`
		PreviewURL  string `json:"preview_url"`
		Description string `json:"description"`
		Category    string `json:"category"`
	} `json:"voices"`
}

// Voices は利用可能な音声の一覧を取得します。
func (c *Client) Voices(ctx context.Context, apiKey string) ([]voiceover.Voice, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, jobs.NewError(jobs.CodeInternalError, "音声一覧リクエストの作成に失敗しました。", err)
	}
	httpReq.Header.Set("xi-api-key", apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, jobs.NewError(jobs.CodeExternalService, "音声合成サービスへの接続に失敗しました。", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, jobs.NewError(jobs.CodeExternalService, "音声一覧の取得に失敗しました。",
			fmt.Errorf("elevenlabs returned status %d: %s", resp.StatusCode, string(body)))
	}

	var decoded voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, jobs.NewError(jobs.CodeExternalService, "音声一覧の解析に失敗しました。", err)
	}

	voices := make([]voiceover.Voice, 0, len(decoded.Voices))
	for _, v := range decoded.Voices {
		voices = append(voices, voiceover.Voice{
			VoiceID:     v.VoiceID,
			Name:        v.Name,
			PreviewURL:  v.PreviewURL,
			Description: v.Description,
			Category:    v.Category,
		})
	}
	return voices, nil
}
