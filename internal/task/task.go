package task

import (
	xerrors "stark-backend/internal/errors"
)

// Status 表示计划任务在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusBlocked    Status = "blocked"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DefaultPriority 是未指定优先级时的默认值，数值越小越紧急。
const DefaultPriority = 100

// Task 描述计划中的一个工作单元。
type Task struct {
	ID             string         `json:"id"`
	Subject        string         `json:"subject"`
	Description    string         `json:"description"`
	Status         Status         `json:"status"`
	BlockedBy      []string       `json:"blocked_by"`
	Blocks         []string       `json:"blocks,omitempty"`
	Tool           string         `json:"tool,omitempty"`
	ToolParams     map[string]any `json:"tool_params,omitempty"`
	Result         string         `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	Parallelizable bool           `json:"parallelizable"`
	Priority       int            `json:"priority"`
	CreatedAt      int64          `json:"created_at"`
	StartedAt      int64          `json:"started_at,omitempty"`
	FinishedAt     int64          `json:"finished_at,omitempty"`
}

// New 创建带默认值的任务：无依赖、默认优先级、可并行、Pending。
func New(id, subject, description string) *Task {
	return &Task{
		ID:             id,
		Subject:        subject,
		Description:    description,
		Status:         StatusPending,
		BlockedBy:      []string{},
		Parallelizable: true,
		Priority:       DefaultPriority,
	}
}

// IsStarted 判断任务是否已经离开 Pending/Blocked 阶段。
func (s Status) IsStarted() bool {
	return s == StatusInProgress || s == StatusCompleted || s == StatusFailed
}

// IsTerminal 判断任务是否已经结束。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusBlocked, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

const (
	CodeDuplicateTaskID xerrors.Code = "DUPLICATE_TASK_ID"
	CodeTaskNotReady    xerrors.Code = "TASK_NOT_READY"
)

var (
	// ErrDuplicateTaskID 表示计划中已存在相同 ID 的任务。
	ErrDuplicateTaskID = xerrors.New(CodeDuplicateTaskID, "duplicate task id")
	// ErrTaskNotReady 表示任务不存在或当前状态不允许该操作。
	ErrTaskNotReady = xerrors.New(CodeTaskNotReady, "task not ready")
)

func init() {
	xerrors.Register(CodeDuplicateTaskID, xerrors.Attributes{
		Message:  "duplicate task id",
		Kind:     xerrors.KindConflict,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskNotReady, xerrors.Attributes{
		Message:  "task not ready",
		Kind:     xerrors.KindConflict,
		Severity: xerrors.SeverityInfo,
	})
}

// Clone 返回任务的深拷贝。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.BlockedBy = append([]string{}, t.BlockedBy...)
	if len(t.Blocks) > 0 {
		clone.Blocks = append([]string(nil), t.Blocks...)
	}
	clone.ToolParams = cloneParams(t.ToolParams)
	return &clone
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	cloned := make(map[string]any, len(params))
	for key, value := range params {
		cloned[key] = value
	}
	return cloned
}
