package session

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"stark-backend/internal/agent"
	xerrors "stark-backend/internal/errors"
)

// CodeSessionNotFound 表示没有可恢复的上下文。
const CodeSessionNotFound xerrors.Code = "SESSION_NOT_FOUND"

// ErrSessionNotFound 用于 errors.Is 判断。
var ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "")

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:  "session context not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
}

// Store 抽象会话上下文的持久化。
type Store interface {
	SaveContext(ctx context.Context, key string, c *agent.Context) error
	LoadContext(ctx context.Context, key string) (*agent.Context, error)
	DeleteContext(ctx context.Context, key string) error
	Close() error
}

// Key 返回顶层执行的持久化键。
func Key(sessionID int64) string {
	return strconv.FormatInt(sessionID, 10)
}

// SubagentKey 返回子代理执行的持久化键。
func SubagentKey(executionID string) string {
	return "subagent:" + executionID
}

func notFound(key string) error {
	return xerrors.New(CodeSessionNotFound, "会话上下文不存在: "+key, xerrors.WithMetadata("key", key))
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话键不能为空")
	}
	return nil
}

func encode(c *agent.Context) ([]byte, error) {
	if c == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "上下文不能为空")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话上下文失败")
	}
	return data, nil
}

func decode(key string, data []byte) (*agent.Context, error) {
	var c agent.Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话上下文失败", xerrors.WithMetadata("key", key))
	}
	return &c, nil
}
