// Package media はFFmpegを用いた音声・動画処理を提供します。
package media

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/auto-dubber/internal/jobs"
	"github.com/yourusername/auto-dubber/internal/voiceover"
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
		return output, fmt.Errorf("%s failed: %w: %s", name, err, truncateOutput(output))
	}
	return output, nil
}

func truncateOutput(output []byte) string {
	const limit = 512
	text := strings.TrimSpace(string(output))
	if len(text) > limit {
		return text[len(text)-limit:]
	}
	return text
}

// FFmpeg は ffmpeg/ffprobe コマンドによる音声抽出とメディア組み立ての実装です。
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	runner      commandRunner
	logger      *logrus.Logger
}

// NewFFmpeg はFFmpegラッパーを生成します。ffmpegPath が空の場合は
// PATH 上の ffmpeg を使用します。
func NewFFmpeg(ffmpegPath string, logger *logrus.Logger) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: probePathFor(ffmpegPath),
		runner:      execRunner{},
		logger:      logger,
	}
}

// probePathFor は ffmpeg のパスから対応する ffprobe のパスを導出します。
func probePathFor(ffmpegPath string) string {
	if ffmpegPath == "ffmpeg" {
		return "ffprobe"
	}
	return strings.Replace(ffmpegPath, "ffmpeg", "ffprobe", 1)
}

// ExtractAudio は動画から16kHzモノラルWAVの音声トラックを抽出します。
func (f *FFmpeg) ExtractAudio(ctx context.Context, videoPath, audioPath string) error {
	args := extractAudioArgs(videoPath, audioPath)
	f.logger.WithField("video", videoPath).Info("Extracting audio track")
	if _, err := f.runner.Run(ctx, f.ffmpegPath, args...); err != nil {
		return jobs.NewError(jobs.CodeExternalService, "音声の抽出に失敗しました。", err)
	}
	return nil
}

// extractAudioArgs は文字起こし向けのWAV抽出引数を構築します。
// Whisperの想定する 16kHz モノラル PCM に合わせています。
func extractAudioArgs(videoPath, audioPath string) []string {
	return []string{
		"-y",
		"-i", videoPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		audioPath,
	}
}

// Duration はメディアファイルの長さを秒で返します。
func (f *FFmpeg) Duration(ctx context.Context, mediaPath string) (float64, error) {
	output, err := f.runner.Run(ctx, f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		mediaPath,
	)
	if err != nil {
		return 0, jobs.NewError(jobs.CodeExternalService, "メディアの長さの取得に失敗しました。", err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, jobs.NewError(jobs.CodeExternalService, "メディアの長さの取得に失敗しました。", err)
	}
	return duration, nil
}

// ComposeVoiceover は合成済みクリップを元動画の長さの無音トラックへ
// 開始時刻に合わせて重ね、単一のナレーション音声を生成します。
func (f *FFmpeg) ComposeVoiceover(ctx context.Context, clips []voiceover.Clip, totalDuration float64, outputPath string) error {
	if len(clips) == 0 {
		return jobs.NewError(jobs.CodeExternalService, "合成するクリップがありません。", nil)
	}
	args := composeVoiceoverArgs(clips, totalDuration, outputPath)
	f.logger.WithFields(logrus.Fields{
		"clips":    len(clips),
		"duration": totalDuration,
	}).Info("Composing voiceover track")
	if _, err := f.runner.Run(ctx, f.ffmpegPath, args...); err != nil {
		return jobs.NewError(jobs.CodeExternalService, "ナレーション音声の合成に失敗しました。", err)
	}
	return nil
}

// composeVoiceoverArgs はクリップ配置用のフィルターグラフを構築します。
// 無音ベースに各クリップを adelay でオフセットし amix で重ねます。
func composeVoiceoverArgs(clips []voiceover.Clip, totalDuration float64, outputPath string) []string {
	args := []string{"-y"}
	for _, clip := range clips {
		args = append(args, "-i", clip.Path)
	}

	var filter strings.Builder
	fmt.Fprintf(&filter, "anullsrc=channel_layout=stereo:sample_rate=44100:duration=%.3f[base];", totalDuration)
	labels := make([]string, 0, len(clips)+1)
	labels = append(labels, "[base]")
	for i, clip := range clips {
		delayMs := int(clip.Start * 1000)
		fmt.Fprintf(&filter, "[%d:a]adelay=%d|%d[clip%d];", i, delayMs, delayMs, i)
		labels = append(labels, fmt.Sprintf("[clip%d]", i))
	}
	fmt.Fprintf(&filter, "%samix=inputs=%d:duration=first:normalize=0[out]", strings.Join(labels, ""), len(labels))

	return append(args,
		"-filter_complex", filter.String(),
		"-map", "[out]",
		"-codec:a", "libmp3lame",
		"-q:a", "2",
		outputPath,
	)
}

// MuxVideo は元動画の映像トラックとナレーション音声を結合します。
func (f *FFmpeg) MuxVideo(ctx context.Context, videoPath, audioPath, outputPath string) error {
	f.logger.WithFields(logrus.Fields{
		"video": videoPath,
		"audio": audioPath,
	}).Info("Muxing video with voiceover audio")
	_, err := f.runner.Run(ctx, f.ffmpegPath,
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		outputPath,
	)
	if err != nil {
		return jobs.NewError(jobs.CodeExternalService, "動画の結合に失敗しました。", err)
	}
	return nil
}

// AdjustAudioSpeed は音声の再生速度を変更します。atempo フィルターの
// 有効範囲(0.5〜2.0)を超える係数は段階的に連結して適用します。
func (f *FFmpeg) AdjustAudioSpeed(ctx context.Context, audioPath string, factor float64, outputPath string) error {
	filter, err := atempoChain(factor)
	if err != nil {
		return jobs.NewError(jobs.CodeInvalidInput, "速度係数が不正です。", err)
	}
	f.logger.WithFields(logrus.Fields{
		"audio":  audioPath,
		"factor": factor,
	}).Info("Adjusting audio speed")
	_, err = f.runner.Run(ctx, f.ffmpegPath,
		"-y",
		"-i", audioPath,
		"-filter:a", filter,
		"-codec:a", "libmp3lame",
		"-q:a", "2",
		outputPath,
	)
	if err != nil {
		return jobs.NewError(jobs.CodeExternalService, "音声速度の変更に失敗しました。", err)
	}
	return nil
}

// atempoChain は任意の速度係数を atempo の範囲内の段に分解します。
func atempoChain(factor float64) (string, error) {
	if factor <= 0 {
		return "", fmt.Errorf("speed factor must be positive, got %f", factor)
	}
	var stages []string
	remaining := factor
	for remaining > 2.0 {
		stages = append(stages, "atempo=2.0")
		remaining /= 2.0
	}
	for remaining < 0.5 {
		stages = append(stages, "atempo=0.5")
		remaining /= 0.5
	}
	stages = append(stages, fmt.Sprintf("atempo=%.6f", remaining))
	return strings.Join(stages, ","), nil
}
