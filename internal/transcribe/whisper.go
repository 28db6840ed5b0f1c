// Package transcribe はWhisper CLIによる音声の文字起こしを提供します。
package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/auto-dubber/internal/jobs"
)

// commandRunner はテストで外部コマンド実行を差し替えるための抽象です。
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// Whisper はWhisper CLIを呼び出す文字起こし実装です。
type Whisper struct {
	binaryPath string
	model      string
	runner     commandRunner
	logger     *logrus.Logger
}

// NewWhisper は文字起こしクライアントを生成します。binaryPath が空の場合は
// PATH 上の whisper を、model が空の場合は base モデルを使用します。
func NewWhisper(binaryPath, model string, logger *logrus.Logger) *Whisper {
	if binaryPath == "" {
		binaryPath = "whisper"
	}
	if model == "" {
		model = "base"
	}
	return &Whisper{
		binaryPath: binaryPath,
		model:      model,
		runner:     execRunner{},
		logger:     logger,
	}
}

// whisperResult はWhisperのJSON出力のうち利用する部分です。
type whisperResult struct {
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe は音声ファイルを文字起こしし、時刻付きセグメントを返します。
func (w *Whisper) Transcribe(ctx context.Context, audioPath string) ([]jobs.Segment, error) {
	outputDir := filepath.Dir(audioPath)

	w.logger.WithFields(logrus.Fields{
		"audio": audioPath,
		"model": w.model,
	}).Info("Starting transcription")

	_, err := w.runner.Run(ctx, w.binaryPath,
		audioPath,
		"--model", w.model,
		"--output_format", "json",
		"--output_dir", outputDir,
	)
	if err != nil {
		return nil, jobs.NewError(jobs.CodeExternalService, "文字起こしに失敗しました。", err)
	}

	resultPath := resultPathFor(audioPath, outputDir)
	data, err := os.ReadFile(resultPath)
	if err != nil {
		return nil, jobs.NewError(jobs.CodeExternalService, "文字起こし結果の読み込みに失敗しました。", err)
	}
	defer os.Remove(resultPath)

	segments, err := parseResult(data)
	if err != nil {
		return nil, jobs.NewError(jobs.CodeExternalService, "文字起こし結果の解析に失敗しました。", err)
	}
	return segments, nil
}

// resultPathFor はWhisperが書き出すJSONファイルのパスを返します。
func resultPathFor(audioPath, outputDir string) string {
	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	return filepath.Join(outputDir, base+".json")
}

// parseResult はWhisperのJSON出力をセグメント列へ変換します。
// 空白のみのセグメントは除外します。
func parseResult(data []byte) ([]jobs.Segment, error) {
	var result whisperResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	segments := make([]jobs.Segment, 0, len(result.Segments))
	for _, seg := range result.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, jobs.Segment{
			Start: seg.Start,
			End:   seg.End,
			Text:  text,
		})
	}
	return segments, nil
}
