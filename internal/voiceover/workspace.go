package voiceover

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/auto-dubber/internal/jobs"
)

// allowedExtensions は受け付ける動画コンテナ形式の拡張子です。
var allowedExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".webm": true,
}

// Workspace はアップロード・一時ファイル・成果物の保存先を管理します。
type Workspace struct {
	root      string
	uploadDir string
	outputDir string
	tempDir   string
}

// NewWorkspace はメディアディレクトリ一式を作成して Workspace を返します。
func NewWorkspace(root string) (*Workspace, error) {
	ws := &Workspace{
		root:      root,
		uploadDir: filepath.Join(root, "uploads"),
		outputDir: filepath.Join(root, "outputs"),
		tempDir:   filepath.Join(root, "temp"),
	}
	for _, dir := range []string{ws.uploadDir, ws.outputDir, ws.tempDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create media dir %s: %w", dir, err)
		}
	}
	return ws, nil
}

// StoreUpload はアップロードされた動画を検証して保存し、保存先パスを返します。
// 拡張子・サイズ・実際のコンテンツ種別（シグネチャ）の3点で検証します。
func (w *Workspace) StoreUpload(jobID string, file *multipart.FileHeader, maxSize int64) (string, error) {
	if file == nil {
		return "", jobs.NewError(jobs.CodeInvalidInput, "動画ファイルを選択してください。", nil)
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !allowedExtensions[ext] {
		return "", jobs.NewError(jobs.CodeInvalidInput, "対応していないファイル形式です。MP4, MOV, AVI, WEBM のいずれかをアップロードしてください。", nil)
	}
	if maxSize > 0 && file.Size > maxSize {
		return "", jobs.NewError(jobs.CodeInvalidInput, "ファイルサイズが上限を超えています。", fmt.Errorf("size %d > limit %d", file.Size, maxSize))
	}

	src, err := file.Open()
	if err != nil {
		return "", jobs.NewError(jobs.CodeInternalError, "アップロードファイルの読み込みに失敗しました。", err)
	}
	defer src.Close()

	dstPath := filepath.Join(w.uploadDir, fmt.Sprintf("%s_%s", jobID, filepath.Base(file.Filename)))
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", jobs.NewError(jobs.CodeInternalError, "アップロードファイルの保存に失敗しました。", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(dstPath)
		return "", jobs.NewError(jobs.CodeInternalError, "アップロードファイルの保存に失敗しました。", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(dstPath)
		return "", jobs.NewError(jobs.CodeInternalError, "アップロードファイルの保存に失敗しました。", err)
	}

	// 拡張子だけでなく実際の内容も動画であることを確認する
	mtype, err := mimetype.DetectFile(dstPath)
	if err != nil {
		_ = os.Remove(dstPath)
		return "", jobs.NewError(jobs.CodeInternalError, "ファイル種別の判定に失敗しました。", err)
	}
	if !strings.HasPrefix(mtype.String(), "video/") {
		_ = os.Remove(dstPath)
		return "", jobs.NewError(jobs.CodeInvalidInput, "動画ファイルではありません。MP4, MOV, AVI, WEBM のいずれかをアップロードしてください。", fmt.Errorf("detected %s", mtype.String()))
	}

	return dstPath, nil
}

// VideoPath はジョブIDに対応するアップロード済み動画のパスを返します。
func (w *Workspace) VideoPath(jobID string) (string, error) {
	entries, err := os.ReadDir(w.uploadDir)
	if err != nil {
		return "", err
	}
	prefix := jobID + "_"
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			return filepath.Join(w.uploadDir, entry.Name()), nil
		}
	}
	return "", jobs.NewError(jobs.CodeJobNotFound, "このジョブの元動画が見つかりませんでした。", fmt.Errorf("no upload for job %s", jobID))
}

// ExtractedAudioPath は音声抽出結果（WAV）の一時パスを返します。
func (w *Workspace) ExtractedAudioPath(jobID string) string {
	return filepath.Join(w.tempDir, jobID+"_audio.wav")
}

// SRTPath は字幕ファイルのパスを返します。
func (w *Workspace) SRTPath(jobID string) string {
	return filepath.Join(w.tempDir, jobID+"_subtitles.srt")
}

// ClipDir はTTSクリップを保存する一時ディレクトリを作成して返します。
func (w *Workspace) ClipDir(jobID string) (string, error) {
	dir := filepath.Join(w.tempDir, jobID+"_clips")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	return dir, nil
}

// VoiceoverAudioPath はボイスオーバー音声（MP3）の成果物パスを返します。
func (w *Workspace) VoiceoverAudioPath(jobID string) string {
	return filepath.Join(w.outputDir, jobID+"_audio_only.mp3")
}

// OutputVideoPath は最終動画の成果物パスを返します。
func (w *Workspace) OutputVideoPath(jobID string) string {
	return filepath.Join(w.outputDir, jobID+"_output.mp4")
}

// AdjustedAudioPath は速度調整済み音声の成果物パスを返します。
// 元の成果物を上書きしないよう、係数をファイル名に含めます。
func (w *Workspace) AdjustedAudioPath(jobID string, factor float64) string {
	return filepath.Join(w.outputDir, fmt.Sprintf("%s_speed_%.2f_audio.mp3", jobID, factor))
}

// AdjustedVideoPath は速度調整済み動画の成果物パスを返します。
func (w *Workspace) AdjustedVideoPath(jobID string, factor float64) string {
	return filepath.Join(w.outputDir, fmt.Sprintf("%s_speed_%.2f_video.mp4", jobID, factor))
}

// Artifact はダウンロード対象の成果物情報です。
type Artifact struct {
	Path        string
	Filename    string
	ContentType string
	Size        int64
}

// OpenArtifact は成果物ファイルを開き、ダウンロード応答に必要な情報と共に返します。
func OpenArtifact(job jobs.Job, artifactType string) (*Artifact, *os.File, error) {
	var path, contentType string
	switch artifactType {
	case "video":
		path = job.VideoPath
		contentType = "video/mp4"
	case "audio":
		path = job.AudioPath
		contentType = "audio/mpeg"
	case "srt":
		path = job.SRTPath
		contentType = "application/x-subrip"
	default:
		return nil, nil, jobs.NewError(jobs.CodeInvalidInput, "成果物の種類は video / audio / srt のいずれかを指定してください。", nil)
	}
	if path == "" {
		return nil, nil, jobs.NewError(jobs.CodeJobNotFound, "この成果物はまだ生成されていません。", fmt.Errorf("artifact %s not ready for job %s", artifactType, job.ID))
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}

	artifact := &Artifact{
		Path:        path,
		Filename:    filepath.Base(path),
		ContentType: contentType,
		Size:        info.Size(),
	}
	return artifact, file, nil
}
