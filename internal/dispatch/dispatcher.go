package dispatch

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"stark-backend/internal/agent"
	xerrors "stark-backend/internal/errors"
	"stark-backend/internal/execution"
	"stark-backend/internal/observability/alerting"
	"stark-backend/internal/session"
	"stark-backend/pkg/logger"
)

// Runner 驱动一次编排循环，通常由 agent.Orchestrator 实现。
type Runner interface {
	Run(ctx context.Context, key string, c *agent.Context, ctl agent.Control) (*agent.Outcome, error)
}

var _ Runner = (*agent.Orchestrator)(nil)

// Dispatcher 从队列消费消息，为每条消息在执行注册表中登记执行并驱动编排循环。
type Dispatcher struct {
	runner   Runner
	registry *execution.Registry
	sessions session.Store
	store    Store
	consumer Consumer
	producer Producer

	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher

	mu   sync.RWMutex
	base context.Context
	wg   sync.WaitGroup
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) DispatcherOption {
	return func(d *Dispatcher) {
		if workers > 0 {
			d.workerCount = workers
		}
	}
}

// WithDispatcherLogger 指定日志输出。
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(alerter alerting.Dispatcher) DispatcherOption {
	return func(d *Dispatcher) {
		d.alerter = alerter
	}
}

// NewDispatcher 构造 Dispatcher。
func NewDispatcher(runner Runner, registry *execution.Registry, sessions session.Store, store Store, consumer Consumer, producer Producer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		runner:      runner,
		registry:    registry,
		sessions:    sessions,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.L(),
		base:        context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Start 启动消费循环，阻塞直到 ctx 结束。子代理执行同样挂在 ctx 上。
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置消息消费者")
	}
	d.mu.Lock()
	d.base = ctx
	d.mu.Unlock()
	return d.consumer.Consume(ctx, d.workerCount, d.handle)
}

// Wait 等待所有子代理执行结束。
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Recover 在启动时重新投递未完成的消息。上一次进程退出时处于 running 的消息会先放回排队状态。
// 该逻辑假定同一时刻只有一个守护进程消费同一个消息存储。
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	if d.store == nil || d.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "调度器未初始化")
	}
	for {
		running, err := d.store.List(ctx, BuildListOptions(WithStatuses(StatusRunning), WithLimit(100)))
		if err != nil {
			return 0, err
		}
		if len(running) == 0 {
			break
		}
		requeued := 0
		for _, msg := range running {
			if err := d.store.Requeue(ctx, msg.ID, nil); err != nil {
				d.logger.Warn("恢复运行中消息失败", slog.String("message_id", msg.ID), slog.Any("error", err))
				continue
			}
			requeued++
		}
		if requeued == 0 {
			break
		}
	}

	published := 0
	for offset := 0; ; offset += 100 {
		queued, err := d.store.List(ctx, BuildListOptions(
			WithStatuses(StatusQueued),
			WithLimit(100),
			WithOffset(offset),
			WithSortOrder(SortByUpdatedAsc),
		))
		if err != nil {
			return published, err
		}
		for _, msg := range queued {
			if err := d.producer.Publish(ctx, msg.ID); err != nil {
				return published, xerrors.Wrap(CodeQueuePublish, err, "恢复消息入队失败")
			}
			published++
		}
		if len(queued) < 100 {
			break
		}
	}
	if published > 0 {
		logger.Audit().Info("恢复未完成消息", slog.Int("count", published))
	}
	return published, nil
}

func (d *Dispatcher) handle(ctx context.Context, messageID string) error {
	if d.store == nil || d.runner == nil || d.registry == nil || d.sessions == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调度器未初始化")
	}
	msg, err := d.store.Claim(ctx, messageID)
	if err != nil {
		if stdErrors.Is(err, ErrMessageNotFound) || stdErrors.Is(err, ErrMessageCompleted) ||
			stdErrors.Is(err, ErrMessageConflict) || stdErrors.Is(err, ErrMessageExhausted) {
			d.logger.Debug("跳过消息", slog.String("message_id", messageID), slog.String("reason", err.Error()))
			return nil
		}
		d.logger.Error("领取消息失败", slog.Any("error", err), slog.String("message_id", messageID))
		return err
	}

	h, err := d.registry.Start(msg.ChannelID, msg.SessionID)
	if err != nil {
		result := Result{Code: xerrors.CodeOf(err), Reason: err.Error()}
		if coded, ok := xerrors.From(err); ok {
			result.ExecutionID = coded.Metadata()["execution_id"]
		}
		if storeErr := d.store.Complete(ctx, msg.ID, StatusRejected, result); storeErr != nil {
			return storeErr
		}
		logger.Audit().Warn("频道已有运行中的执行，拒绝消息",
			slog.String("message_id", msg.ID),
			slog.Int64("channel_id", msg.ChannelID),
			slog.String("running_execution_id", result.ExecutionID))
		return nil
	}

	key := session.Key(msg.SessionID)
	c := d.loadContext(ctx, key, msg.Text)
	outcome, runErr := d.runner.Run(ctx, key, c, h)
	return d.settle(ctx, msg, h, key, outcome, runErr)
}

// loadContext 仅在检查点未结束且属于同一条请求时恢复，否则从新的上下文开始。
func (d *Dispatcher) loadContext(ctx context.Context, key, text string) *agent.Context {
	saved, err := d.sessions.LoadContext(ctx, key)
	switch {
	case err == nil && !saved.Finished && saved.OriginalRequest == text:
		d.logger.Info("从检查点恢复会话",
			slog.String("session", key),
			slog.String("mode", string(saved.Mode)),
			slog.Int("total_iterations", saved.TotalIterations))
		return saved
	case err != nil && !stdErrors.Is(err, session.ErrSessionNotFound):
		d.logger.Warn("读取会话检查点失败，使用新上下文", slog.String("session", key), slog.Any("error", err))
	}
	return agent.NewContext(text)
}

func (d *Dispatcher) settle(ctx context.Context, msg *Message, h *execution.Handle, key string, outcome *agent.Outcome, runErr error) error {
	result := resultOf(h.ExecutionID, outcome, runErr)
	background := context.WithoutCancel(ctx)

	if ctx.Err() != nil && !h.Cancelled() {
		d.finish(h, execution.StatusFailed, "interrupted by shutdown")
		if err := d.store.Requeue(background, msg.ID, &result); err != nil {
			d.logger.Error("回写中断消息失败", slog.String("message_id", msg.ID), slog.Any("error", err))
		}
		return nil
	}

	if runErr != nil && xerrors.RetryableError(runErr) && msg.Attempts < msg.MaxAttempts {
		d.finish(h, execution.StatusFailed, result.Reason)
		if err := d.store.Requeue(background, msg.ID, &result); err != nil {
			d.logger.Error("消息重新排队失败", slog.String("message_id", msg.ID), slog.Any("error", err))
			return err
		}
		d.emitAlert(background, h, result, runErr, "retry")
		if err := d.producer.Publish(background, msg.ID); err != nil {
			return xerrors.Wrap(CodeQueuePublish, err, "消息 "+msg.ID+" 重投失败")
		}
		logger.Audit().Warn("执行失败，消息已重新排队",
			slog.String("message_id", msg.ID),
			slog.String("execution_id", h.ExecutionID),
			slog.Int("attempts", msg.Attempts),
			slog.Int("max_attempts", msg.MaxAttempts),
			slog.String("error_code", string(result.Code)))
		return nil
	}

	if err := d.sessions.DeleteContext(background, key); err != nil {
		d.logger.Warn("删除会话检查点失败", slog.String("session", key), slog.Any("error", err))
	}

	status, execStatus := StatusFailed, execution.StatusFailed
	if outcome != nil {
		switch outcome.Status {
		case agent.OutcomeFinished:
			status, execStatus = StatusFinished, execution.StatusCompleted
		case agent.OutcomeCancelled:
			status = StatusCancelled
		}
	}
	d.finish(h, execStatus, result.Reason)
	if err := d.store.Complete(background, msg.ID, status, result); err != nil {
		d.logger.Error("写入消息终态失败", slog.String("message_id", msg.ID), slog.Any("error", err))
		return err
	}
	if runErr != nil && xerrors.ShouldAlert(runErr) {
		d.emitAlert(background, h, result, runErr, "terminal")
	}
	logger.Audit().Info("消息处理完成",
		slog.String("message_id", msg.ID),
		slog.String("execution_id", h.ExecutionID),
		slog.String("status", string(status)),
		slog.Int("total_iterations", result.TotalIterations))
	return nil
}

// SpawnSubagent 在父会话下启动一个子代理执行。子代理与父执行相互独立，结束后丢弃其上下文。
func (d *Dispatcher) SpawnSubagent(parentSessionID, channelID int64, label, task string) (execution.Info, error) {
	if d.runner == nil || d.registry == nil {
		return execution.Info{}, xerrors.New(xerrors.CodeInitializationFailure, "调度器未初始化")
	}
	h := d.registry.RegisterSubagent(parentSessionID, channelID, label, task)
	key := session.SubagentKey(h.ExecutionID)

	d.mu.RLock()
	base := d.base
	d.mu.RUnlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		outcome, runErr := d.runner.Run(base, key, agent.NewContext(task), h)
		result := resultOf(h.ExecutionID, outcome, runErr)
		background := context.WithoutCancel(base)
		if d.sessions != nil {
			if err := d.sessions.DeleteContext(background, key); err != nil {
				d.logger.Warn("删除子代理检查点失败", slog.String("session", key), slog.Any("error", err))
			}
		}
		status := execution.StatusFailed
		if outcome != nil && outcome.Status == agent.OutcomeFinished {
			status = execution.StatusCompleted
		}
		d.finish(h, status, result.Reason)
		if runErr != nil && xerrors.ShouldAlert(runErr) {
			d.emitAlert(background, h, result, runErr, "subagent")
		}
	}()
	return h.Info(), nil
}

func (d *Dispatcher) finish(h *execution.Handle, status execution.Status, reason string) {
	if h.Cancelled() && status != execution.StatusCompleted {
		reason = "cancelled"
	}
	if err := d.registry.Finish(h.ExecutionID, status, reason); err != nil {
		d.logger.Warn("结束执行失败", slog.String("execution_id", h.ExecutionID), slog.Any("error", err))
	}
}

func resultOf(executionID string, outcome *agent.Outcome, runErr error) Result {
	result := Result{ExecutionID: executionID}
	if outcome != nil {
		result.Code = outcome.Code
		result.Reason = outcome.Reason
		if c := outcome.Context; c != nil {
			result.Summary = c.FinalSummary
			result.FollowUp = c.FollowUp
			result.TotalIterations = c.TotalIterations
		}
		if outcome.Status == agent.OutcomeFinished && result.Reason == "" {
			result.Reason = result.Summary
		}
		if outcome.Status != agent.OutcomeFinished {
			result.Snapshot = outcome.Context.Clone()
		}
	} else if runErr != nil {
		result.Code = xerrors.CodeOf(runErr)
		result.Reason = runErr.Error()
	}
	return result
}

func (d *Dispatcher) emitAlert(ctx context.Context, h *execution.Handle, result Result, cause error, stage string) {
	if d.alerter == nil {
		return
	}
	code := result.Code
	if code == "" {
		code = xerrors.CodeOf(cause)
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if result.Reason != "" {
		message = result.Reason
	}
	event := alerting.Event{
		Code:            code,
		Message:         message,
		Severity:        attrs.Severity,
		ExecutionID:     h.ExecutionID,
		Kind:            string(h.Kind),
		ChannelID:       h.ChannelID,
		SessionID:       h.SessionID,
		TotalIterations: result.TotalIterations,
		Metadata: map[string]string{
			"stage": stage,
			"cause": cause.Error(),
		},
		OccurredAt: time.Now(),
	}
	if h.Kind == execution.KindSubagent {
		event.SessionID = h.ParentSessionID
		event.Metadata["label"] = h.Label
	}
	if err := d.alerter.Notify(ctx, event); err != nil {
		d.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("execution_id", h.ExecutionID),
			slog.String("stage", stage),
			slog.String("channel_id", strconv.FormatInt(h.ChannelID, 10)))
	}
}
