package llm

import (
	"context"
	"encoding/json"
)

// Role 标识对话消息的发送方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是发送给大模型的一条对话消息。
type Message struct {
	Role    Role
	Content string
}

// ToolSpec 描述允许模型调用的一个工具，Parameters 为 JSON Schema。
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCall 是模型返回的一次工具调用，参数保持原始 JSON，交由调用方解码。
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Request 描述一次模型调用。System 为系统提示，Tools 限定本轮可调用的工具。
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// Response 是模型的输出：文本、工具调用，或两者兼有。
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// HasToolCalls 判断响应中是否包含工具调用。
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// EmptyObject 在工具参数缺失时作为默认值。
var EmptyObject = json.RawMessage(`{}`)

// NormalizeArguments 将空参数统一为 {}。
func NormalizeArguments(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return EmptyObject
	}
	return raw
}
