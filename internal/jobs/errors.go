package jobs

import "fmt"

// エラーコード一覧。HTTPステータスへの対応付けはハンドラー側で行います。
const (
	CodeInvalidInput    = "INVALID_INPUT"
	CodeJobNotFound     = "JOB_NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeExternalService = "EXTERNAL_SERVICE"
	CodeInternalError   = "INTERNAL_ERROR"
)

// Error はAPI応答に変換可能な業務エラーです。
type Error struct {
	Code    string
	Message string
	cause   error
}

// Error は error インターフェースを実装します。
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap は元のエラーを返します。
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError は業務エラーを作成します。cause は nil でも構いません。
func NewError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// NotFoundError は存在しないジョブIDに対するエラーを作成します。
func NotFoundError(jobID string) *Error {
	return NewError(CodeJobNotFound, "指定されたジョブは存在しません。", fmt.Errorf("job not found: %s", jobID))
}

// ConflictError は現在のジョブ状態では実行できないコマンドに対するエラーを作成します。
func ConflictError(message string, current Status) *Error {
	return NewError(CodeConflict, message, fmt.Errorf("current status: %s", current))
}
