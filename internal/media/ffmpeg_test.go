package media

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/auto-dubber/internal/jobs"
	"github.com/yourusername/auto-dubber/internal/voiceover"
)

type fakeRunner struct {
	output []byte
	err    error
	name   string
	args   []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.name = name
	f.args = args
	return f.output, f.err
}

func newTestFFmpeg(runner *fakeRunner) *FFmpeg {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	ff := NewFFmpeg("ffmpeg", logger)
	ff.runner = runner
	return ff
}

func TestProbePathFor(t *testing.T) {
	cases := []struct {
		ffmpeg string
		want   string
	}{
		{"ffmpeg", "ffprobe"},
		{"/usr/local/bin/ffmpeg", "/usr/local/bin/ffprobe"},
	}
	for _, tc := range cases {
		if got := probePathFor(tc.ffmpeg); got != tc.want {
			t.Errorf("probePathFor(%q) = %q, want %q", tc.ffmpeg, got, tc.want)
		}
	}
}

func TestExtractAudioArgs(t *testing.T) {
	runner := &fakeRunner{}
	ff := newTestFFmpeg(runner)

	if err := ff.ExtractAudio(context.Background(), "in.mp4", "out.wav"); err != nil {
		t.Fatalf("ExtractAudio returned error: %v", err)
	}
	if runner.name != "ffmpeg" {
		t.Fatalf("command = %q, want ffmpeg", runner.name)
	}

	joined := strings.Join(runner.args, " ")
	for _, want := range []string{"-i in.mp4", "-vn", "-ar 16000", "-ac 1", "out.wav"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
}

func TestExtractAudioWrapsFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("exit status 1")}
	ff := newTestFFmpeg(runner)

	err := ff.ExtractAudio(context.Background(), "in.mp4", "out.wav")
	var apiErr *jobs.Error
	if !errors.As(err, &apiErr) || apiErr.Code != jobs.CodeExternalService {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDuration(t *testing.T) {
	runner := &fakeRunner{output: []byte("12.345\n")}
	ff := newTestFFmpeg(runner)

	duration, err := ff.Duration(context.Background(), "in.mp4")
	if err != nil {
		t.Fatalf("Duration returned error: %v", err)
	}
	if duration != 12.345 {
		t.Fatalf("duration = %v, want 12.345", duration)
	}
	if runner.name != "ffprobe" {
		t.Fatalf("command = %q, want ffprobe", runner.name)
	}
}

func TestDurationRejectsGarbageOutput(t *testing.T) {
	runner := &fakeRunner{output: []byte("N/A")}
	ff := newTestFFmpeg(runner)

	_, err := ff.Duration(context.Background(), "in.mp4")
	var apiErr *jobs.Error
	if !errors.As(err, &apiErr) || apiErr.Code != jobs.CodeExternalService {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestComposeVoiceoverArgs(t *testing.T) {
	clips := []voiceover.Clip{
		{Start: 0, Path: "clip0.mp3"},
		{Start: 2.5, Path: "clip1.mp3"},
	}

	args := composeVoiceoverArgs(clips, 10, "out.mp3")
	joined := strings.Join(args, " ")

	if !strings.Contains(joined, "-i clip0.mp3") || !strings.Contains(joined, "-i clip1.mp3") {
		t.Fatalf("clip inputs missing: %s", joined)
	}

	var filter string
	for i, arg := range args {
		if arg == "-filter_complex" && i+1 < len(args) {
			filter = args[i+1]
		}
	}
	if filter == "" {
		t.Fatalf("filter_complex missing: %s", joined)
	}
	for _, want := range []string{
		"anullsrc=channel_layout=stereo:sample_rate=44100:duration=10.000[base]",
		"[0:a]adelay=0|0[clip0]",
		"[1:a]adelay=2500|2500[clip1]",
		"amix=inputs=3",
	} {
		if !strings.Contains(filter, want) {
			t.Errorf("filter missing %q: %s", want, filter)
		}
	}
	if args[len(args)-1] != "out.mp3" {
		t.Fatalf("output path is not the last argument: %s", joined)
	}
}

func TestComposeVoiceoverRequiresClips(t *testing.T) {
	ff := newTestFFmpeg(&fakeRunner{})

	err := ff.ComposeVoiceover(context.Background(), nil, 10, "out.mp3")
	var apiErr *jobs.Error
	if !errors.As(err, &apiErr) || apiErr.Code != jobs.CodeExternalService {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMuxVideoArgs(t *testing.T) {
	runner := &fakeRunner{}
	ff := newTestFFmpeg(runner)

	if err := ff.MuxVideo(context.Background(), "in.mp4", "voice.mp3", "out.mp4"); err != nil {
		t.Fatalf("MuxVideo returned error: %v", err)
	}

	joined := strings.Join(runner.args, " ")
	for _, want := range []string{"-map 0:v:0", "-map 1:a:0", "-c:v copy", "-c:a aac", "-shortest", "out.mp4"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
}

func TestAtempoChain(t *testing.T) {
	cases := []struct {
		factor float64
		want   string
	}{
		{1.0, "atempo=1.000000"},
		{0.8, "atempo=0.800000"},
		{1.2, "atempo=1.200000"},
		{3.0, "atempo=2.0,atempo=1.500000"},
		{0.25, "atempo=0.5,atempo=0.500000"},
	}
	for _, tc := range cases {
		got, err := atempoChain(tc.factor)
		if err != nil {
			t.Errorf("atempoChain(%v) returned error: %v", tc.factor, err)
			continue
		}
		if got != tc.want {
			t.Errorf("atempoChain(%v) = %q, want %q", tc.factor, got, tc.want)
		}
	}

	if _, err := atempoChain(0); err == nil {
		t.Error("atempoChain(0) should fail")
	}
	if _, err := atempoChain(-1); err == nil {
		t.Error("atempoChain(-1) should fail")
	}
}

func TestAdjustAudioSpeedArgs(t *testing.T) {
	runner := &fakeRunner{}
	ff := newTestFFmpeg(runner)

	if err := ff.AdjustAudioSpeed(context.Background(), "voice.mp3", 0.8, "out.mp3"); err != nil {
		t.Fatalf("AdjustAudioSpeed returned error: %v", err)
	}

	joined := strings.Join(runner.args, " ")
	if !strings.Contains(joined, "-filter:a atempo=0.800000") {
		t.Fatalf("atempo filter missing: %s", joined)
	}
}
