package dispatch

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"stark-backend/internal/agent"
	xerrors "stark-backend/internal/errors"
	"stark-backend/internal/execution"
	"stark-backend/internal/session"
	"stark-backend/internal/task"
	"stark-backend/pkg/logger"
)

// SubmitRequest 描述一条待处理的频道消息。
type SubmitRequest struct {
	ID          string `json:"id,omitempty"`
	ChannelID   int64  `json:"channel_id"`
	ChannelType string `json:"channel_type,omitempty"`
	SessionID   int64  `json:"session_id"`
	UserName    string `json:"user_name,omitempty"`
	Text        string `json:"text"`
}

// SessionStatus 是会话当前状态的快照。
type SessionStatus struct {
	SessionID        int64                  `json:"session_id"`
	ExecutionID      string                 `json:"execution_id,omitempty"`
	Running          bool                   `json:"running"`
	Mode             agent.Mode             `json:"mode"`
	ModeIterations   int                    `json:"mode_iterations"`
	TotalIterations  int                    `json:"total_iterations"`
	Stats            task.Stats             `json:"stats"`
	Tasks            []*task.Task           `json:"tasks"`
	Findings         []agent.Finding        `json:"findings"`
	ExplorationNotes []string               `json:"exploration_notes"`
	Scratchpad       []string               `json:"scratchpad"`
	PlanSummary      string                 `json:"plan_summary,omitempty"`
	Transitions      []agent.ModeTransition `json:"transitions"`
	UpdatedAt        int64                  `json:"updated_at"`
}

// Service 是控制器使用的门面：提交消息、查询状态、停止执行、管理子代理。
type Service struct {
	store       Store
	producer    Producer
	dispatcher  *Dispatcher
	registry    *execution.Registry
	sessions    session.Store
	maxAttempts int
	stopWait    time.Duration
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithMaxAttempts 设置单条消息的最大尝试次数。
func WithMaxAttempts(attempts int) ServiceOption {
	return func(s *Service) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// WithStopWait 设置 StopAndWait 的默认等待时长。
func WithStopWait(wait time.Duration) ServiceOption {
	return func(s *Service) {
		if wait > 0 {
			s.stopWait = wait
		}
	}
}

// NewService 构造 Service。
func NewService(store Store, producer Producer, dispatcher *Dispatcher, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		producer:    producer,
		dispatcher:  dispatcher,
		maxAttempts: 2,
		stopWait:    5 * time.Second,
	}
	if dispatcher != nil {
		s.registry = dispatcher.registry
		s.sessions = dispatcher.sessions
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 保存消息并推送到队列。指定 ID 时具备幂等性。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Message, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, xerrors.New(CodeMessageValidation, "消息内容不能为空")
	}
	if req.SessionID <= 0 || req.ChannelID <= 0 {
		return nil, xerrors.New(CodeMessageValidation, "channel_id 与 session_id 必须为正数")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "消息服务未初始化")
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		existing, err := s.store.Get(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrMessageNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	msg := &Message{
		ID:          id,
		ChannelID:   req.ChannelID,
		ChannelType: req.ChannelType,
		SessionID:   req.SessionID,
		UserName:    req.UserName,
		Text:        req.Text,
		Status:      StatusQueued,
		MaxAttempts: s.maxAttempts,
	}
	if err := s.store.Create(ctx, msg); err != nil {
		if stdErrors.Is(err, ErrMessageConflict) {
			if existing, getErr := s.store.Get(ctx, id); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("消息入队失败", slog.Any("error", err), slog.String("message_id", id))
		wrapped := xerrors.Wrap(CodeQueuePublish, err, "发布消息到队列失败")
		_ = s.store.Complete(context.WithoutCancel(ctx), id, StatusFailed, Result{Code: CodeQueuePublish, Reason: wrapped.Error()})
		return nil, wrapped
	}
	logger.Audit().Info("消息入队成功",
		slog.String("message_id", id),
		slog.Int64("channel_id", req.ChannelID),
		slog.Int64("session_id", req.SessionID),
		slog.String("user_name", req.UserName))
	return s.store.Get(ctx, id)
}

// Get 返回指定消息。
func (s *Service) Get(ctx context.Context, id string) (*Message, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "消息存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的消息。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Message, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "消息存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// WaitUntilFinished 轮询直到消息进入终态或 ctx 结束。
func (s *Service) WaitUntilFinished(ctx context.Context, id string, interval time.Duration) (*Message, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		msg, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if msg.Status.IsTerminal() {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SessionStatus 读取会话最近的检查点，并附带当前运行中的执行 ID。
func (s *Service) SessionStatus(ctx context.Context, sessionID int64) (*SessionStatus, error) {
	if s.sessions == nil || s.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "消息服务未初始化")
	}
	status := &SessionStatus{SessionID: sessionID}
	if h, ok := s.registry.ForSession(sessionID); ok {
		status.ExecutionID = h.ExecutionID
		status.Running = true
	}
	c, err := s.sessions.LoadContext(ctx, session.Key(sessionID))
	if err != nil {
		if stdErrors.Is(err, session.ErrSessionNotFound) && status.Running {
			status.Mode = agent.ModeInitializer
			return status, nil
		}
		return nil, err
	}
	status.Mode = c.Mode
	status.ModeIterations = c.ModeIterations
	status.TotalIterations = c.TotalIterations
	status.Stats = c.Stats()
	status.Tasks = c.Tasks.Tasks()
	status.Findings = c.Findings
	status.ExplorationNotes = c.ExplorationNotes
	status.Scratchpad = c.Scratchpad
	status.PlanSummary = c.PlanSummary
	status.Transitions = c.Transitions
	status.UpdatedAt = c.UpdatedAt
	return status, nil
}

// Stop 取消频道下的全部执行（顶层与子代理），返回被取消的数量。
func (s *Service) Stop(channelID int64) int {
	if s.registry == nil {
		return 0
	}
	return s.registry.CancelAllSessionsForChannel(channelID)
}

// StopAndWait 取消频道下的全部执行并等待确认。wait 非正数时使用默认时长。
func (s *Service) StopAndWait(ctx context.Context, channelID int64, wait time.Duration) (acknowledged, total int) {
	if s.registry == nil {
		return 0, 0
	}
	if wait <= 0 {
		wait = s.stopWait
	}
	return s.registry.CancelAllSessionsForChannelAndWait(ctx, channelID, wait)
}

// StopSubagents 仅取消频道下的子代理。
func (s *Service) StopSubagents(channelID int64) int {
	if s.registry == nil {
		return 0
	}
	return s.registry.CancelSubagentsForChannel(channelID)
}

// Cancel 取消单个执行。
func (s *Service) Cancel(executionID string) error {
	if s.registry == nil || !s.registry.Cancel(executionID) {
		return execution.ErrExecutionNotFound
	}
	return nil
}

// ListExecutions 返回频道当前顶层执行 ID 与全部执行快照。
func (s *Service) ListExecutions(channelID int64) (string, []execution.Info) {
	if s.registry == nil {
		return "", nil
	}
	current, _ := s.registry.GetExecutionID(channelID)
	return current, s.registry.ListByChannel(channelID)
}

// ListSubagents 返回频道下的子代理，可选按父会话过滤。
func (s *Service) ListSubagents(channelID int64, sessionID *int64) []execution.Info {
	if s.registry == nil {
		return nil
	}
	return s.registry.ListSubagents(channelID, sessionID)
}

// SpawnSubagent 在父会话下启动子代理。
func (s *Service) SpawnSubagent(parentSessionID, channelID int64, label, taskText string) (execution.Info, error) {
	if strings.TrimSpace(taskText) == "" {
		return execution.Info{}, xerrors.New(CodeMessageValidation, "子代理任务不能为空")
	}
	if s.dispatcher == nil {
		return execution.Info{}, xerrors.New(xerrors.CodeInitializationFailure, "调度器未初始化")
	}
	return s.dispatcher.SpawnSubagent(parentSessionID, channelID, label, taskText)
}

// DeleteTask 向会话当前执行登记一次任务删除，由循环在下一次迭代前处理。
func (s *Service) DeleteTask(sessionID int64, taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "task_id 不能为空")
	}
	if s.registry == nil {
		return execution.ErrExecutionNotFound
	}
	h, ok := s.registry.ForSession(sessionID)
	if !ok || !h.QueueTaskDeletion(taskID) {
		return execution.ErrExecutionNotFound
	}
	logger.Audit().Info("任务删除已登记",
		slog.String("execution_id", h.ExecutionID),
		slog.Int64("session_id", sessionID),
		slog.String("task_id", taskID))
	return nil
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	if s.sessions != nil {
		errs = append(errs, s.sessions.Close())
	}
	return stdErrors.Join(errs...)
}
