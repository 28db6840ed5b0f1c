package voiceover

import (
	"fmt"
	"os"
	"strings"

	"github.com/yourusername/auto-dubber/internal/jobs"
)

// WriteSRT はセグメント列をSRT形式で保存します。
// 区間の並びはレジストリに保持された順序をそのまま使用します。
func WriteSRT(segments []jobs.Segment, path string) error {
	var b strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1,
			formatSRTTimestamp(seg.Start),
			formatSRTTimestamp(seg.End),
			strings.TrimSpace(seg.Text),
		)
	}
	return os.WriteFile(path, []byte(b.String()), 0o640)
}

// formatSRTTimestamp は秒数を HH:MM:SS,mmm 形式に変換します。
func formatSRTTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	millis := int64(seconds*1000 + 0.5)
	h := millis / 3600000
	millis -= h * 3600000
	m := millis / 60000
	millis -= m * 60000
	s := millis / 1000
	ms := millis % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
