package transcribe

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/auto-dubber/internal/jobs"
)

// fakeRunner はWhisper CLIの代わりに結果JSONをファイルへ書き出します。
type fakeRunner struct {
	resultJSON string
	err        error
	name       string
	args       []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.name = name
	f.args = args
	if f.err != nil {
		return nil, f.err
	}

	audioPath := args[0]
	var outputDir string
	for i, arg := range args {
		if arg == "--output_dir" && i+1 < len(args) {
			outputDir = args[i+1]
		}
	}
	resultPath := resultPathFor(audioPath, outputDir)
	if err := os.WriteFile(resultPath, []byte(f.resultJSON), 0o640); err != nil {
		return nil, err
	}
	return nil, nil
}

func newTestWhisper(runner *fakeRunner) *Whisper {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	w := NewWhisper("whisper", "base", logger)
	w.runner = runner
	return w
}

func TestTranscribe(t *testing.T) {
	runner := &fakeRunner{
		resultJSON: `{"segments":[
			{"start":0,"end":2.5,"text":" Hello world "},
			{"start":2.5,"end":4,"text":"Second segment"},
			{"start":4,"end":5,"text":"   "}
		]}`,
	}
	whisper := newTestWhisper(runner)

	audioPath := filepath.Join(t.TempDir(), "job-1_audio.wav")
	segments, err := whisper.Transcribe(context.Background(), audioPath)
	if err != nil {
		t.Fatalf("Transcribe returned error: %v", err)
	}

	if runner.name != "whisper" {
		t.Fatalf("command = %q, want whisper", runner.name)
	}
	joined := strings.Join(runner.args, " ")
	for _, want := range []string{audioPath, "--model base", "--output_format json"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}

	// 空白のみのセグメントは除外し、テキストはトリムされる
	if len(segments) != 2 {
		t.Fatalf("got %d segments, want 2: %+v", len(segments), segments)
	}
	if segments[0].Text != "Hello world" || segments[0].Start != 0 || segments[0].End != 2.5 {
		t.Fatalf("unexpected first segment: %+v", segments[0])
	}

	// 結果JSONは読み込み後に削除される
	if _, err := os.Stat(resultPathFor(audioPath, filepath.Dir(audioPath))); !os.IsNotExist(err) {
		t.Fatal("result JSON was not cleaned up")
	}
}

func TestTranscribeCommandFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("model not found")}
	whisper := newTestWhisper(runner)

	_, err := whisper.Transcribe(context.Background(), filepath.Join(t.TempDir(), "audio.wav"))
	var apiErr *jobs.Error
	if !errors.As(err, &apiErr) || apiErr.Code != jobs.CodeExternalService {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTranscribeMalformedResult(t *testing.T) {
	runner := &fakeRunner{resultJSON: "not json"}
	whisper := newTestWhisper(runner)

	_, err := whisper.Transcribe(context.Background(), filepath.Join(t.TempDir(), "audio.wav"))
	var apiErr *jobs.Error
	if !errors.As(err, &apiErr) || apiErr.Code != jobs.CodeExternalService {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResultPathFor(t *testing.T) {
	got := resultPathFor("/tmp/work/job-1_audio.wav", "/tmp/work")
	want := filepath.Join("/tmp/work", "job-1_audio.json")
	if got != want {
		t.Fatalf("resultPathFor = %q, want %q", got, want)
	}
}

func TestParseResultEmpty(t *testing.T) {
	segments, err := parseResult([]byte(`{"segments":[]}`))
	if err != nil {
		t.Fatalf("parseResult returned error: %v", err)
	}
	if len(segments) != 0 {
		t.Fatalf("got %d segments, want 0", len(segments))
	}
}
