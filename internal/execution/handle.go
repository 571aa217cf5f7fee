package execution

import (
	"sync"
	"time"
)

// Status 表示执行句柄的生命周期状态。
type Status string

const (
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal 判断执行是否已经结束。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind 区分顶层执行与子代理执行。
type Kind string

const (
	KindExecution Kind = "execution"
	KindSubagent  Kind = "subagent"
)

// Handle 是注册表中一次运行中循环的记录。
//
// 标识字段在创建后不可变；状态、原因与待删除任务队列由内部锁保护。
type Handle struct {
	ExecutionID     string
	Kind            Kind
	ChannelID       int64
	SessionID       int64
	ParentSessionID int64
	Label           string
	Task            string
	CreatedAt       time.Time

	token *CancelToken

	mu         sync.Mutex
	status     Status
	reason     string
	finishedAt time.Time
	deletions  []string
}

// Info 是句柄的只读快照，供状态查询与 API 输出使用。
type Info struct {
	ExecutionID     string    `json:"execution_id"`
	Kind            Kind      `json:"kind"`
	ChannelID       int64     `json:"channel_id"`
	SessionID       int64     `json:"session_id,omitempty"`
	ParentSessionID int64     `json:"parent_session_id,omitempty"`
	Label           string    `json:"label,omitempty"`
	Task            string    `json:"task,omitempty"`
	Status          Status    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	FinishedAt      time.Time `json:"finished_at,omitzero"`
}

// Token 返回句柄的取消令牌。
func (h *Handle) Token() *CancelToken {
	return h.token
}

// Cancelled 判断是否已请求取消。
func (h *Handle) Cancelled() bool {
	return h.token.Cancelled()
}

// Done 返回在取消请求时关闭的通道。
func (h *Handle) Done() <-chan struct{} {
	return h.token.Done()
}

// Status 返回当前状态。
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Reason 返回取消或结束的原因。
func (h *Handle) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Info 返回句柄快照。
func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Info{
		ExecutionID:     h.ExecutionID,
		Kind:            h.Kind,
		ChannelID:       h.ChannelID,
		SessionID:       h.SessionID,
		ParentSessionID: h.ParentSessionID,
		Label:           h.Label,
		Task:            h.Task,
		Status:          h.status,
		Reason:          h.reason,
		CreatedAt:       h.CreatedAt,
		FinishedAt:      h.finishedAt,
	}
}

// QueueTaskDeletion 登记一个待删除的任务，由循环在下一次迭代边界处理。
func (h *Handle) QueueTaskDeletion(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.IsTerminal() {
		return false
	}
	h.deletions = append(h.deletions, taskID)
	return true
}

// DrainTaskDeletions 取出并清空待删除任务队列。
func (h *Handle) DrainTaskDeletions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	drained := h.deletions
	h.deletions = nil
	return drained
}

// requestCancel 将运行中的句柄切换为 Cancelling，已结束的句柄返回 false。
func (h *Handle) requestCancel(reason string) bool {
	h.mu.Lock()
	if h.status.IsTerminal() {
		h.mu.Unlock()
		return false
	}
	if h.status == StatusRunning {
		h.status = StatusCancelling
		h.reason = reason
	}
	h.mu.Unlock()
	h.token.Cancel()
	return true
}

// finish 写入终态，重复调用返回 false。
func (h *Handle) finish(status Status, reason string, at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.IsTerminal() {
		return false
	}
	if !status.IsTerminal() {
		status = StatusFailed
	}
	h.status = status
	if reason != "" {
		h.reason = reason
	}
	h.finishedAt = at
	h.deletions = nil
	return true
}
