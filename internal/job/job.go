package job

import (
	xerrors "BSM-Orchestrator/internal/errors"
)

// Status 表示作业在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Request 是一次异步流水线提交。
type Request struct {
	// ID 可选，用于幂等提交。
	ID     string   `json:"id,omitempty"`
	Agents []string `json:"agents"`
	Mode   string   `json:"mode"`
	Actor  string   `json:"actor"`
	IP     string   `json:"ip,omitempty"`
}

// Job 描述排队执行的流水线。
type Job struct {
	ID         string   `json:"id"`
	Agents     []string `json:"agents"`
	Mode       string   `json:"mode"`
	Actor      string   `json:"actor"`
	IP         string   `json:"ip,omitempty"`
	Status     Status   `json:"status"`
	Attempts   int      `json:"attempts"`
	MaxRetries int      `json:"max_retries"`
	RunID      string   `json:"run_id,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
}

const (
	CodeJobNotFound  xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict  xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted xerrors.Code = "JOB_EXHAUSTED"
	CodeJobPublish   xerrors.Code = "JOB_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:   "job not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:   "job conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:   "job already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:   "job retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

var (
	// ErrJobNotFound 表示指定的作业不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示作业在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict")
	// ErrJobCompleted 表示作业已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed")
	// ErrJobExhausted 表示作业已失败且不再重试。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted")
)

// IsValidStatus 检查状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusRetrying, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneJob(j *Job) *Job {
	c := *j
	c.Agents = append([]string(nil), j.Agents...)
	return &c
}
