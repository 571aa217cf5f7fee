package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "stark-backend/internal/errors"
	"stark-backend/internal/observability/metrics"
	"stark-backend/pkg/logger"
)

const (
	CodeAlreadyRunning    xerrors.Code = "ALREADY_RUNNING"
	CodeExecutionNotFound xerrors.Code = "EXECUTION_NOT_FOUND"
)

var (
	// ErrAlreadyRunning 表示该频道已存在运行中的顶层执行。
	ErrAlreadyRunning = xerrors.New(CodeAlreadyRunning, "execution already running for channel")
	// ErrExecutionNotFound 表示没有匹配的执行。
	ErrExecutionNotFound = xerrors.New(CodeExecutionNotFound, "execution not found")
)

func init() {
	xerrors.Register(CodeAlreadyRunning, xerrors.Attributes{
		Message:  "execution already running for channel",
		Kind:     xerrors.KindConflict,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeExecutionNotFound, xerrors.Attributes{
		Message:  "execution not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
}

// DefaultPollInterval 是等待取消确认时的轮询间隔。
const DefaultPollInterval = 50 * time.Millisecond

// Registry 维护频道到顶层执行、父会话到子代理集合的映射。
//
// 所有复合操作（检查并插入、批量取消、列表）都在同一把锁内完成。
type Registry struct {
	mu        sync.Mutex
	byChannel map[int64]*Handle
	subagents map[int64]map[string]*Handle
	byID      map[string]*Handle

	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// Option 自定义 Registry。
type Option func(*Registry)

// WithPollInterval 设置取消确认的轮询间隔。
func WithPollInterval(interval time.Duration) Option {
	return func(r *Registry) {
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry 创建空的执行注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byChannel:    make(map[int64]*Handle),
		subagents:    make(map[int64]map[string]*Handle),
		byID:         make(map[string]*Handle),
		pollInterval: DefaultPollInterval,
		logger:       logger.L(),
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start 为频道登记一个新的顶层执行。若该频道已有活跃执行则返回 ErrAlreadyRunning。
func (r *Registry) Start(channelID, sessionID int64) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byChannel[channelID]; ok && !existing.Status().IsTerminal() {
		return nil, xerrors.New(CodeAlreadyRunning,
			fmt.Sprintf("channel %d already has execution %s", channelID, existing.ExecutionID),
			xerrors.WithMetadata("execution_id", existing.ExecutionID),
			xerrors.WithMetadata("channel_id", strconv.FormatInt(channelID, 10)))
	}

	h := r.newHandle(KindExecution)
	h.ChannelID = channelID
	h.SessionID = sessionID
	r.byChannel[channelID] = h
	r.byID[h.ExecutionID] = h

	metrics.ExecutionStarted(string(KindExecution))
	logger.Audit().Info("execution started",
		slog.String("execution_id", h.ExecutionID),
		slog.Int64("channel_id", channelID),
		slog.Int64("session_id", sessionID))
	return h, nil
}

// RegisterSubagent 在父会话下登记一个子代理执行，同一父会话可并发存在多个。
func (r *Registry) RegisterSubagent(parentSessionID, channelID int64, label, task string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.newHandle(KindSubagent)
	h.ChannelID = channelID
	h.ParentSessionID = parentSessionID
	h.Label = label
	h.Task = task

	set := r.subagents[parentSessionID]
	if set == nil {
		set = make(map[string]*Handle)
		r.subagents[parentSessionID] = set
	}
	set[h.ExecutionID] = h
	r.byID[h.ExecutionID] = h

	metrics.ExecutionStarted(string(KindSubagent))
	logger.Audit().Info("subagent registered",
		slog.String("execution_id", h.ExecutionID),
		slog.Int64("channel_id", channelID),
		slog.Int64("parent_session_id", parentSessionID),
		slog.String("label", label))
	return h
}

func (r *Registry) newHandle(kind Kind) *Handle {
	return &Handle{
		ExecutionID: uuid.NewString(),
		Kind:        kind,
		CreatedAt:   r.now(),
		token:       NewCancelToken(),
		status:      StatusRunning,
	}
}

// Finish 将执行标记为终态并从注册表移除。句柄本身保留终态供等待方读取。
func (r *Registry) Finish(executionID string, status Status, reason string) error {
	r.mu.Lock()
	h, ok := r.byID[executionID]
	if !ok {
		r.mu.Unlock()
		return xerrors.New(CodeExecutionNotFound, fmt.Sprintf("execution %s not found", executionID))
	}
	r.detach(h)
	r.mu.Unlock()

	if h.finish(status, reason, r.now()) {
		metrics.ExecutionFinished(string(h.Kind))
		metrics.ObserveOutcome(string(h.Kind), string(h.Status()))
		logger.Audit().Info("execution finished",
			slog.String("execution_id", h.ExecutionID),
			slog.String("kind", string(h.Kind)),
			slog.String("status", string(h.Status())),
			slog.String("reason", h.Reason()))
	}
	return nil
}

func (r *Registry) detach(h *Handle) {
	delete(r.byID, h.ExecutionID)
	switch h.Kind {
	case KindExecution:
		if current, ok := r.byChannel[h.ChannelID]; ok && current == h {
			delete(r.byChannel, h.ChannelID)
		}
	case KindSubagent:
		if set := r.subagents[h.ParentSessionID]; set != nil {
			delete(set, h.ExecutionID)
			if len(set) == 0 {
				delete(r.subagents, h.ParentSessionID)
			}
		}
	}
}

// Cancel 请求取消指定执行。未找到或已结束时返回 false。
func (r *Registry) Cancel(executionID string) bool {
	r.mu.Lock()
	h, ok := r.byID[executionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.cancelHandle(h, "cancelled by request")
}

func (r *Registry) cancelHandle(h *Handle, reason string) bool {
	if !h.requestCancel(reason) {
		return false
	}
	metrics.ObserveCancellation(string(h.Kind))
	logger.Audit().Info("execution cancellation requested",
		slog.String("execution_id", h.ExecutionID),
		slog.String("kind", string(h.Kind)),
		slog.Int64("channel_id", h.ChannelID),
		slog.String("reason", reason))
	return true
}

// CancelAllForChannel 取消频道下的全部执行（顶层与子代理），返回被取消的数量。
func (r *Registry) CancelAllForChannel(channelID int64) int {
	return len(r.cancelMatching(func(h *Handle) bool {
		return h.ChannelID == channelID
	}, "channel stop requested"))
}

// CancelSubagentsForChannel 只取消频道下的子代理，顶层执行继续运行。
func (r *Registry) CancelSubagentsForChannel(channelID int64) int {
	return len(r.cancelMatching(func(h *Handle) bool {
		return h.Kind == KindSubagent && h.ChannelID == channelID
	}, "subagent stop requested"))
}

// CancelAllSessionsForChannel 取消频道下的顶层执行以及全部子代理。
func (r *Registry) CancelAllSessionsForChannel(channelID int64) int {
	return len(r.cancelMatching(func(h *Handle) bool {
		return h.ChannelID == channelID
	}, "channel stop requested"))
}

// CancelAllForChannelAndWait 取消频道下所有子代理，并在超时前轮询等待它们进入终态。
// 返回在期限内确认的数量；未确认的句柄保持 Cancelling 并留在注册表中。
func (r *Registry) CancelAllForChannelAndWait(ctx context.Context, channelID int64, timeout time.Duration) int {
	handles := r.cancelMatching(func(h *Handle) bool {
		return h.Kind == KindSubagent && h.ChannelID == channelID
	}, "channel stop requested")
	return r.await(ctx, handles, timeout)
}

// CancelAllSessionsForChannelAndWait 与 CancelAllForChannelAndWait 相同，但同时包含顶层执行。
// 返回确认数量与被取消的总数。
func (r *Registry) CancelAllSessionsForChannelAndWait(ctx context.Context, channelID int64, timeout time.Duration) (int, int) {
	handles := r.cancelMatching(func(h *Handle) bool {
		return h.ChannelID == channelID
	}, "channel stop requested")
	return r.await(ctx, handles, timeout), len(handles)
}

func (r *Registry) cancelMatching(match func(*Handle) bool, reason string) []*Handle {
	r.mu.Lock()
	var matched []*Handle
	for _, h := range r.byID {
		if match(h) {
			matched = append(matched, h)
		}
	}
	r.mu.Unlock()

	cancelled := matched[:0]
	for _, h := range matched {
		if r.cancelHandle(h, reason) {
			cancelled = append(cancelled, h)
		}
	}
	return cancelled
}

func (r *Registry) await(ctx context.Context, handles []*Handle, timeout time.Duration) int {
	if len(handles) == 0 {
		return 0
	}
	countDone := func() int {
		done := 0
		for _, h := range handles {
			if h.Status().IsTerminal() {
				done++
			}
		}
		return done
	}
	if timeout <= 0 {
		return countDone()
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if done := countDone(); done == len(handles) {
			return done
		}
		select {
		case <-ctx.Done():
			return countDone()
		case <-deadline.C:
			done := countDone()
			if done < len(handles) {
				r.logger.Warn("部分执行未在期限内确认取消",
					slog.Int("acknowledged", done),
					slog.Int("total", len(handles)),
					slog.Duration("timeout", timeout))
			}
			return done
		case <-ticker.C:
		}
	}
}

// Get 返回执行句柄。
func (r *Registry) Get(executionID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[executionID]
	return h, ok
}

// GetExecutionID 返回频道当前顶层执行的 ID。
func (r *Registry) GetExecutionID(channelID int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byChannel[channelID]
	if !ok {
		return "", false
	}
	return h.ExecutionID, true
}

// ForSession 返回会话当前的顶层执行句柄。
func (r *Registry) ForSession(sessionID int64) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.byChannel {
		if h.SessionID == sessionID {
			return h, true
		}
	}
	return nil, false
}

// ListByChannel 返回频道下全部执行（顶层与子代理）的快照，按创建时间排序。
func (r *Registry) ListByChannel(channelID int64) []Info {
	return r.list(func(h *Handle) bool { return h.ChannelID == channelID })
}

// ListSubagents 返回频道下的子代理，可选按父会话过滤。
func (r *Registry) ListSubagents(channelID int64, sessionID *int64) []Info {
	return r.list(func(h *Handle) bool {
		if h.Kind != KindSubagent || h.ChannelID != channelID {
			return false
		}
		return sessionID == nil || h.ParentSessionID == *sessionID
	})
}

func (r *Registry) list(match func(*Handle) bool) []Info {
	r.mu.Lock()
	var infos []Info
	for _, h := range r.byID {
		if match(h) {
			infos = append(infos, h.Info())
		}
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ExecutionID < infos[j].ExecutionID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}
