package dispatch

import (
	"strings"

	"stark-backend/internal/agent"
	xerrors "stark-backend/internal/errors"
)

// Status 表示消息的处理状态。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusRejected 表示频道已有运行中的执行，消息未被处理。
	StatusRejected Status = "rejected"
)

// IsTerminal 判断状态是否不会再变化。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// IsValidStatus 判断状态是否合法。
func IsValidStatus(s Status) bool {
	return s.IsTerminal() || s == StatusQueued || s == StatusRunning
}

// Message 是来自频道的一条用户请求及其处理结果。
type Message struct {
	ID          string  `json:"id"`
	ChannelID   int64   `json:"channel_id"`
	ChannelType string  `json:"channel_type,omitempty"`
	SessionID   int64   `json:"session_id"`
	UserName    string  `json:"user_name,omitempty"`
	Text        string  `json:"text"`
	Status      Status  `json:"status"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	Result      *Result `json:"result,omitempty"`
	CreatedAt   int64   `json:"created_at"`
	UpdatedAt   int64   `json:"updated_at"`
}

// Result 记录一次执行的结果摘要。执行失败或被取消时 Snapshot 保存最后的上下文，
// 已完成的任务、发现与笔记在会话检查点删除后仍可查询。
type Result struct {
	ExecutionID     string         `json:"execution_id,omitempty"`
	Code            xerrors.Code   `json:"code,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Summary         string         `json:"summary,omitempty"`
	FollowUp        string         `json:"follow_up,omitempty"`
	TotalIterations int            `json:"total_iterations"`
	Snapshot        *agent.Context `json:"snapshot,omitempty"`
}

func (r *Result) empty() bool {
	return r == nil || (r.ExecutionID == "" && r.Code == "" && r.Reason == "" && r.Summary == "" && r.FollowUp == "" && r.Snapshot == nil)
}

func (m *Message) matches(query string) bool {
	query = strings.ToLower(query)
	fields := []string{m.ID, m.Text, m.UserName, m.ChannelType}
	if m.Result != nil {
		fields = append(fields, m.Result.Summary, m.Result.Reason, string(m.Result.Code))
	}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

func cloneMessage(m *Message) *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Result != nil {
		result := *m.Result
		result.Snapshot = m.Result.Snapshot.Clone()
		clone.Result = &result
	}
	return &clone
}

const (
	CodeMessageValidation xerrors.Code = "MESSAGE_VALIDATION"
	CodeMessageNotFound   xerrors.Code = "MESSAGE_NOT_FOUND"
	CodeMessageConflict   xerrors.Code = "MESSAGE_CONFLICT"
	CodeMessageCompleted  xerrors.Code = "MESSAGE_COMPLETED"
	CodeMessageExhausted  xerrors.Code = "MESSAGE_EXHAUSTED"
	CodeQueuePublish      xerrors.Code = "QUEUE_PUBLISH"
)

var (
	ErrMessageNotFound  = xerrors.New(CodeMessageNotFound, "消息不存在")
	ErrMessageConflict  = xerrors.New(CodeMessageConflict, "消息状态冲突")
	ErrMessageCompleted = xerrors.New(CodeMessageCompleted, "消息已处理完成")
	ErrMessageExhausted = xerrors.New(CodeMessageExhausted, "消息重试次数已用尽")
)

func init() {
	xerrors.Register(CodeMessageValidation, xerrors.Attributes{Message: "invalid message", Kind: xerrors.KindInvalid, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeMessageNotFound, xerrors.Attributes{Message: "message not found", Kind: xerrors.KindNotFound, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeMessageConflict, xerrors.Attributes{Message: "message state conflict", Kind: xerrors.KindConflict, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeMessageCompleted, xerrors.Attributes{Message: "message already completed", Kind: xerrors.KindConflict, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeMessageExhausted, xerrors.Attributes{Message: "message attempts exhausted", Kind: xerrors.KindConflict, Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeQueuePublish, xerrors.Attributes{
		Message:   "failed to publish message",
		Kind:      xerrors.KindUnavailable,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
