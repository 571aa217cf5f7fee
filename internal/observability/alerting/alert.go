package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "stark-backend/internal/errors"
	"stark-backend/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog      Channel = "log"
	ChannelWebhook  Channel = "webhook"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// Event 描述一次需要告警的执行结果。
type Event struct {
	Code            xerrors.Code      `json:"code"`
	Message         string            `json:"message"`
	Severity        xerrors.Severity  `json:"severity"`
	ExecutionID     string            `json:"execution_id"`
	Kind            string            `json:"kind"`
	ChannelID       int64             `json:"channel_id"`
	SessionID       int64             `json:"session_id"`
	TotalIterations int               `json:"total_iterations"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	OccurredAt      time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher，nil 通知器会被忽略。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set = append(set, n)
		}
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道，单个渠道失败不影响其他渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 将告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入一条 warn 级别审计记录。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("execution_id", event.ExecutionID),
		slog.String("kind", event.Kind),
		slog.Int64("channel_id", event.ChannelID),
		slog.Int64("session_id", event.SessionID),
		slog.Int("total_iterations", event.TotalIterations),
		slog.String("message", event.Message),
	}
	for _, key := range sortedKeys(event.Metadata) {
		attrs = append(attrs, slog.String("meta."+key, event.Metadata[key]))
	}
	logger.Audit().Warn("执行告警", attrs...)
	return nil
}

// WebhookNotifier 通过 HTTP 回调发送告警，Format 决定消息体格式。
type WebhookNotifier struct {
	URL    string
	Format Channel
	Client *http.Client
}

// Channel 返回配置的格式，未配置时为通用 webhook。
func (n *WebhookNotifier) Channel() Channel {
	if n == nil || n.Format == "" {
		return ChannelWebhook
	}
	return n.Format
}

// Notify 发送告警。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("execution_id", event.ExecutionID))
		return nil
	}
	body, err := json.Marshal(n.payload(event))
	if err != nil {
		return fmt.Errorf("编码告警内容失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("告警回调返回状态码 %d", resp.StatusCode)
	}
	return nil
}

func (n *WebhookNotifier) payload(event Event) any {
	switch n.Channel() {
	case ChannelSlack:
		return map[string]string{"text": formatText(event, "*")}
	case ChannelDingTalk:
		return map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": formatText(event, "")},
		}
	default:
		return event
	}
}

func formatText(event Event, emphasis string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%s]%s %s - %s\n执行: %s (%s)\n频道: %d 会话: %d 迭代: %d",
		emphasis, event.Severity, emphasis, event.Code, event.Message,
		event.ExecutionID, event.Kind, event.ChannelID, event.SessionID, event.TotalIterations)
	for _, key := range sortedKeys(event.Metadata) {
		fmt.Fprintf(&b, "\n- %s: %s", key, event.Metadata[key])
	}
	return b.String()
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ Notifier = LogNotifier{}
	_ Notifier = (*WebhookNotifier)(nil)
)
