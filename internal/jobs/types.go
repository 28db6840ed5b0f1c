package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusUploaded               Status = "uploaded"
	StatusExtractingAudio        Status = "extracting_audio"
	StatusTranscribing           Status = "transcribing"
	StatusTranscriptionComplete  Status = "transcription_complete"
	StatusTranscriptionConfirmed Status = "transcription_confirmed"
	StatusGeneratingTTS          Status = "generating_tts"
	StatusCreatingVoiceover      Status = "creating_voiceover"
	StatusCreatingVideo          Status = "creating_video"
	StatusAdjustingSpeed         Status = "adjusting_speed"
	StatusCreatingAdjustedVideo  Status = "creating_adjusted_video"
	StatusCompleted              Status = "completed"
	StatusError                  Status = "error"
)

// statusMeta はステータスごとの表示メッセージと進捗の基準値をまとめて保持します。
// ステータス文字列をキーにした複数の独立テーブルを持つと内容がずれやすいため、
// 1つのテーブルに集約しています。
var statusMeta = map[Status]struct {
	message  string
	progress int
	terminal bool
}{
	StatusUploaded:               {message: "File uploaded, waiting to process", progress: 0},
	StatusExtractingAudio:        {message: "Extracting audio from video", progress: 10},
	StatusTranscribing:           {message: "Transcribing audio with Whisper AI", progress: 20},
	StatusTranscriptionComplete:  {message: "Transcription ready for review", progress: 40},
	StatusTranscriptionConfirmed: {message: "Transcription confirmed, proceeding with voiceover generation", progress: 45},
	StatusGeneratingTTS:          {message: "Generating AI voiceover with ElevenLabs", progress: 50},
	StatusCreatingVoiceover:      {message: "Assembling audio segments", progress: 80},
	StatusCreatingVideo:          {message: "Creating final video with voiceover", progress: 90},
	StatusAdjustingSpeed:         {message: "Adjusting audio speed", progress: 10},
	StatusCreatingAdjustedVideo:  {message: "Creating video with adjusted audio", progress: 50},
	StatusCompleted:              {message: "Processing complete", progress: 100, terminal: true},
	StatusError:                  {message: "Error occurred during processing", progress: 0, terminal: true},
}

// Valid は定義済みのステータスかどうかを返します。
func (s Status) Valid() bool {
	_, ok := statusMeta[s]
	return ok
}

// Message はステータスのデフォルト表示メッセージを返します。
func (s Status) Message() string {
	if meta, ok := statusMeta[s]; ok {
		return meta.message
	}
	return string(s)
}

// StageProgress はステータス到達時点の進捗の基準値（0〜100）を返します。
func (s Status) StageProgress() int {
	if meta, ok := statusMeta[s]; ok {
		return meta.progress
	}
	return 0
}

// Terminal は終端ステータス（completed / error）かどうかを返します。
// completed は速度調整コマンドによる再実行のみ許されます。
func (s Status) Terminal() bool {
	if meta, ok := statusMeta[s]; ok {
		return meta.terminal
	}
	return false
}

// SpeedFactorMin / SpeedFactorMax は音声再生速度係数の許容範囲です。
const (
	SpeedFactorMin = 0.7
	SpeedFactorMax = 1.2
)

// ValidSpeedFactor は速度係数が許容範囲内かどうかを返します。
func ValidSpeedFactor(factor float64) bool {
	return factor >= SpeedFactorMin && factor <= SpeedFactorMax
}

// Segment は文字起こしの1区間を表します。
// Start/End は文字起こし時点で確定し、以後はテキストのみ編集可能です。
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Job は1本のアップロード動画に対する処理単位を表します。
type Job struct {
	ID              string     `json:"job_id"`
	Filename        string     `json:"filename"`
	Status          Status     `json:"status"`
	Progress        int        `json:"progress"`
	CurrentActivity string     `json:"current_activity,omitempty"`
	Transcription   []Segment  `json:"transcription,omitempty"`
	VoiceID         string     `json:"voice_id,omitempty"`
	SpeedFactor     float64    `json:"speed_factor"`
	VideoPath       string     `json:"video_path,omitempty"`
	AudioPath       string     `json:"audio_path,omitempty"`
	SRTPath         string     `json:"srt_path,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Clone はジョブの深いコピーを返します。
// レジストリの外に可変参照を持ち出さないために使用します。
func (j Job) Clone() Job {
	out := j
	if j.Transcription != nil {
		out.Transcription = make([]Segment, len(j.Transcription))
		copy(out.Transcription, j.Transcription)
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Snapshot はジョブの現在状態をステータスチャネル用イベントに変換します。
func (j Job) Snapshot() StatusEvent {
	return StatusEvent{
		JobID:           j.ID,
		Status:          j.Status,
		Progress:        j.Progress,
		CurrentActivity: j.CurrentActivity,
		Transcription:   j.Clone().Transcription,
		SpeedFactor:     j.SpeedFactor,
		VideoPath:       j.VideoPath,
		AudioPath:       j.AudioPath,
		SRTPath:         j.SRTPath,
		Error:           j.Error,
		Timestamp:       time.Now().UTC(),
	}
}

// StatusEvent はジョブスナップショットのワイヤ表現です。
// 永続化されるのはあくまで Job であり、StatusEvent は配信の瞬間に生成されます。
type StatusEvent struct {
	JobID           string    `json:"job_id"`
	Status          Status    `json:"status"`
	Progress        int       `json:"progress"`
	CurrentActivity string    `json:"current_activity,omitempty"`
	Transcription   []Segment `json:"transcription,omitempty"`
	SpeedFactor     float64   `json:"speed_factor,omitempty"`
	VideoPath       string    `json:"video_path,omitempty"`
	AudioPath       string    `json:"audio_path,omitempty"`
	SRTPath         string    `json:"srt_path,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
