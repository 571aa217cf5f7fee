package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "stark-backend/internal/errors"
	"stark-backend/internal/knowledge"
	"stark-backend/internal/llm"
	"stark-backend/internal/observability/metrics"
	"stark-backend/pkg/logger"
)

// Checkpointer 在每轮迭代后保存上下文，供崩溃或重启后恢复。
type Checkpointer interface {
	SaveContext(ctx context.Context, key string, c *Context) error
}

// Control 是循环观察取消信号和外部任务删除请求的通道，通常由执行句柄实现。
type Control interface {
	Cancelled() bool
	Done() <-chan struct{}
	DrainTaskDeletions() []string
}

// Limits 约束一次执行的迭代规模。
type Limits struct {
	MaxTotalIterations   int
	MaxModeIterations    int
	MaxCallsPerIteration int
	ModelRetries         int
}

// DefaultLimits 返回默认的迭代上限。
func DefaultLimits() Limits {
	return Limits{
		MaxTotalIterations:   100,
		MaxModeIterations:    30,
		MaxCallsPerIteration: 4,
		ModelRetries:         1,
	}
}

// OutcomeStatus 是执行的最终状态。
type OutcomeStatus string

const (
	OutcomeFinished  OutcomeStatus = "finished"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Outcome 汇总一次执行的结果。失败时同样携带最后的上下文快照，避免丢失部分进度。
type Outcome struct {
	Status  OutcomeStatus `json:"status"`
	Code    xerrors.Code  `json:"code,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Context *Context      `json:"context"`
}

// Orchestrator 逐轮驱动模型调用并应用工具调用。
type Orchestrator struct {
	client       llm.Client
	catalog      ToolCatalog
	checkpointer Checkpointer
	knowledge    knowledge.Provider
	limits       Limits
	modelTimeout time.Duration
	logger       *slog.Logger
}

// Option 定义可选的 Orchestrator 配置。
type Option func(*Orchestrator)

// WithCatalog 替换工具目录。
func WithCatalog(catalog ToolCatalog) Option {
	return func(o *Orchestrator) {
		if catalog != nil {
			o.catalog = catalog
		}
	}
}

// WithCheckpointer 配置上下文持久化。
func WithCheckpointer(cp Checkpointer) Option {
	return func(o *Orchestrator) {
		o.checkpointer = cp
	}
}

// WithKnowledgeProvider 配置知识库，用于在推理前补充上下文。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(o *Orchestrator) {
		o.knowledge = provider
	}
}

// WithLimits 设置迭代上限，非正数字段保留默认值。
func WithLimits(limits Limits) Option {
	return func(o *Orchestrator) {
		if limits.MaxTotalIterations > 0 {
			o.limits.MaxTotalIterations = limits.MaxTotalIterations
		}
		if limits.MaxModeIterations > 0 {
			o.limits.MaxModeIterations = limits.MaxModeIterations
		}
		if limits.MaxCallsPerIteration > 0 {
			o.limits.MaxCallsPerIteration = limits.MaxCallsPerIteration
		}
		if limits.ModelRetries >= 0 {
			o.limits.ModelRetries = limits.ModelRetries
		}
	}
}

// WithModelTimeout 设置单次模型调用的超时时间。
func WithModelTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.modelTimeout = timeout
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New 创建 Orchestrator。未指定工具目录时使用内置目录。
func New(client llm.Client, opts ...Option) (*Orchestrator, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	o := &Orchestrator{
		client: client,
		limits: DefaultLimits(),
		logger: logger.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.catalog == nil {
		catalog, err := DefaultCatalog()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载工具目录失败")
		}
		o.catalog = catalog
	}
	return o, nil
}

// Run 从上下文当前状态开始驱动循环，直到结束、失败或被取消。
// key 是持久化使用的会话键；ctl 可以为 nil。
func (o *Orchestrator) Run(ctx context.Context, key string, c *Context, ctl Control) (*Outcome, error) {
	if c == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "上下文不能为空")
	}
	c.ensureGraph()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if ctl != nil {
		go func() {
			select {
			case <-ctl.Done():
				cancel(ErrCancelled)
			case <-runCtx.Done():
			}
		}()
	}

	log := o.logger.With(slog.String("session", key))
	var snippets []knowledge.Snippet
	if o.knowledge != nil {
		snippets = o.knowledge.Query(c.OriginalRequest)
	}

	for {
		if c.Finished {
			return &Outcome{Status: OutcomeFinished, Reason: c.FinalSummary, Context: c.Clone()}, nil
		}
		if o.cancelled(runCtx, ctl) {
			return o.stop(c, OutcomeCancelled, xerrors.New(CodeCancelled, "execution cancelled"))
		}
		if c.TotalIterations >= o.limits.MaxTotalIterations {
			return o.stop(c, OutcomeFailed, xerrors.New(CodeIterationLimitExceeded,
				fmt.Sprintf("total iteration limit %d reached", o.limits.MaxTotalIterations)))
		}
		if c.ModeIterations >= o.limits.MaxModeIterations {
			return o.stop(c, OutcomeFailed, xerrors.New(CodeIterationLimitExceeded,
				fmt.Sprintf("iteration limit %d reached in %s mode", o.limits.MaxModeIterations, c.Mode)))
		}

		o.applyDeletions(c, ctl, log)

		req := buildRequest(c, o.catalog.ToolsForMode(c.Mode), snippets)
		resp, err := o.generate(runCtx, ctl, req, log)
		if err != nil {
			if o.cancelled(runCtx, ctl) {
				return o.stop(c, OutcomeCancelled, xerrors.New(CodeCancelled, "execution cancelled during model call"))
			}
			return o.stop(c, OutcomeFailed, xerrors.Wrap(CodeModelClientError, err, "model call failed"))
		}

		modeBefore := c.Mode
		o.iterate(c, resp, log)

		c.TotalIterations++
		if c.Mode != modeBefore {
			c.ModeIterations = 0
		} else {
			c.ModeIterations++
		}
		metrics.ObserveIteration(string(modeBefore))
		o.checkpoint(ctx, key, c, log)
	}
}

// iterate 应用一轮模型响应中的工具调用。
func (o *Orchestrator) iterate(c *Context, resp *llm.Response, log *slog.Logger) {
	c.LastAssistantText = resp.Text
	c.LastObservations = nil

	if !resp.HasToolCalls() {
		c.NoToolWarnings++
		c.LastObservations = []Observation{{
			Content: fmt.Sprintf("No tool was called. You must call one of the tools available in %s mode: %s.",
				c.Mode, strings.Join(c.Mode.ToolNames(), ", ")),
			Code: CodeInvalidToolArguments,
		}}
		log.Warn("模型未调用任何工具", slog.String("mode", string(c.Mode)), slog.Int("warnings", c.NoToolWarnings))
		return
	}

	for idx, raw := range resp.ToolCalls {
		if idx >= o.limits.MaxCallsPerIteration {
			c.LastObservations = append(c.LastObservations, Observation{
				CallID:  raw.ID,
				Tool:    raw.Name,
				Content: fmt.Sprintf("Skipped: at most %d tool calls are applied per turn.", o.limits.MaxCallsPerIteration),
				Code:    CodeInvalidToolArguments,
			})
			continue
		}

		mode := c.Mode
		transitions := len(c.Transitions)
		obs := o.applyOne(c, raw)
		obs.CallID = raw.ID
		c.LastObservations = append(c.LastObservations, obs)

		result := "ok"
		if obs.IsError() {
			result = string(obs.Code)
			log.Info("工具调用被拒绝", slog.String("tool", raw.Name), slog.String("code", result))
		}
		metrics.ObserveToolCall(string(mode), raw.Name, result)

		for _, tr := range c.Transitions[transitions:] {
			metrics.ObserveModeTransition(string(tr.From), string(tr.To))
			logger.Audit().Info("mode transition",
				slog.String("from", string(tr.From)),
				slog.String("to", string(tr.To)),
				slog.String("reason", tr.Reason),
				slog.Int("total_iterations", c.TotalIterations))
		}
	}
}

func (o *Orchestrator) applyOne(c *Context, raw llm.ToolCall) Observation {
	call, err := Decode(raw)
	if err != nil {
		return errorObservation(raw.Name, err)
	}
	obs, _ := Apply(c, call)
	return obs
}

func (o *Orchestrator) generate(ctx context.Context, ctl Control, req llm.Request, log *slog.Logger) (*llm.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= o.limits.ModelRetries; attempt++ {
		if o.cancelled(ctx, ctl) {
			return nil, context.Cause(ctx)
		}
		callCtx := ctx
		var cancel context.CancelFunc = func() {}
		if o.modelTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, o.modelTimeout)
		}
		started := time.Now()
		resp, err := o.client.Generate(callCtx, req)
		cancel()
		metrics.ObserveModelCall(time.Since(started), err)
		if err == nil && resp == nil {
			err = stdErrors.New("empty model response")
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
		log.Warn("大模型调用失败", slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	return nil, lastErr
}

func (o *Orchestrator) applyDeletions(c *Context, ctl Control, log *slog.Logger) {
	if ctl == nil {
		return
	}
	for _, id := range ctl.DrainTaskDeletions() {
		removed := c.Tasks.Remove(id)
		log.Info("处理外部任务删除请求", slog.String("task_id", id), slog.Bool("removed", removed))
		if removed {
			c.LastObservations = append(c.LastObservations, Observation{
				Content: fmt.Sprintf("Task [%s] was removed from the plan by the user.", id),
			})
		}
	}
}

func (o *Orchestrator) cancelled(ctx context.Context, ctl Control) bool {
	if ctl != nil && ctl.Cancelled() {
		return true
	}
	return ctx.Err() != nil
}

func (o *Orchestrator) checkpoint(ctx context.Context, key string, c *Context, log *slog.Logger) {
	if o.checkpointer == nil {
		return
	}
	c.UpdatedAt = time.Now().Unix()
	if err := o.checkpointer.SaveContext(context.WithoutCancel(ctx), key, c); err != nil {
		log.Error("保存会话上下文失败", slog.Any("error", err))
	}
}

func (o *Orchestrator) stop(c *Context, status OutcomeStatus, err *xerrors.Error) (*Outcome, error) {
	o.logger.Warn("执行终止",
		slog.String("status", string(status)),
		slog.String("code", string(err.Code())),
		slog.String("reason", err.Message()),
		slog.Int("total_iterations", c.TotalIterations))
	return &Outcome{
		Status:  status,
		Code:    err.Code(),
		Reason:  err.Message(),
		Context: c.Clone(),
	}, err
}
