package voiceover

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yourusername/auto-dubber/internal/jobs"
)

func TestFormatSRTTimestamp(t *testing.T) {
	cases := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00,000"},
		{1.5, "00:00:01,500"},
		{61.042, "00:01:01,042"},
		{3661.999, "01:01:01,999"},
		{-3, "00:00:00,000"},
	}
	for _, tc := range cases {
		if got := formatSRTTimestamp(tc.seconds); got != tc.want {
			t.Errorf("formatSRTTimestamp(%v) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}

func TestWriteSRT(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subtitles.srt")
	segments := []jobs.Segment{
		{Start: 0, End: 2, Text: "  Hello  "},
		{Start: 2.5, End: 4.25, Text: "World"},
	}

	if err := WriteSRT(segments, path); err != nil {
		t.Fatalf("WriteSRT returned error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read SRT file: %v", err)
	}

	want := "1\n00:00:00,000 --> 00:00:02,000\nHello\n\n" +
		"2\n00:00:02,500 --> 00:00:04,250\nWorld\n\n"
	if string(data) != want {
		t.Fatalf("SRT content mismatch:\ngot:\n%s\nwant:\n%s", data, want)
	}
}
