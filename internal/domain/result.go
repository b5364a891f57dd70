package domain

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

const (
	GroupStatusOK      = "ok"
	GroupStatusPartial = "partial"
	GroupStatusFailed  = "failed"
	GroupStatusAborted = "aborted"
)

const (
	ErrCodeSourceNotFound        = "source_not_found"
	ErrCodeDestinationUnwritable = "destination_unwritable"
	ErrCodeSourceMissing         = "source_missing"
	ErrCodeCopyFailed            = "copy_failed"
	ErrCodeConfigNotFound        = "config_not_found"
	ErrCodeConfigInvalid         = "config_invalid"
	ErrCodeConfigMissingPath     = "config_missing_path"
)

// CopyResult 是单个文件的复制结果（成功或失败），由 worker 产出。
type CopyResult struct {
	Name string `json:"name"`
	Src  string `json:"src"`
	Dst  string `json:"dst"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	Bytes int64 `json:"bytes"`
}

func (r CopyResult) OK() bool { return r.Status == StatusOK }
