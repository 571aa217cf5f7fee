package agent

import (
	xerrors "stark-backend/internal/errors"
)

// 工具级错误会作为观察结果反馈给模型；循环级错误会终止本次执行。
const (
	CodeToolNotAvailableInMode xerrors.Code = "TOOL_NOT_AVAILABLE_IN_MODE"
	CodeUnknownTool            xerrors.Code = "UNKNOWN_TOOL"
	CodeInvalidToolArguments   xerrors.Code = "INVALID_TOOL_ARGUMENTS"
	CodePlanEmpty              xerrors.Code = "PLAN_EMPTY_ON_READY_TO_PERFORM"
	CodeSessionFinished        xerrors.Code = "SESSION_FINISHED"

	CodeIterationLimitExceeded xerrors.Code = "ITERATION_LIMIT_EXCEEDED"
	CodeCancelled              xerrors.Code = "CANCELLED"
	CodeModelClientError       xerrors.Code = "MODEL_CLIENT_ERROR"
)

var (
	ErrToolNotAvailableInMode = xerrors.New(CodeToolNotAvailableInMode, "")
	ErrUnknownTool            = xerrors.New(CodeUnknownTool, "")
	ErrInvalidToolArguments   = xerrors.New(CodeInvalidToolArguments, "")
	ErrPlanEmpty              = xerrors.New(CodePlanEmpty, "")
	ErrSessionFinished        = xerrors.New(CodeSessionFinished, "")
	ErrIterationLimitExceeded = xerrors.New(CodeIterationLimitExceeded, "")
	ErrCancelled              = xerrors.New(CodeCancelled, "")
	ErrModelClient            = xerrors.New(CodeModelClientError, "")
)

func init() {
	toolLevel := []struct {
		code    xerrors.Code
		message string
	}{
		{CodeToolNotAvailableInMode, "tool not available in current mode"},
		{CodeUnknownTool, "unknown tool"},
		{CodeInvalidToolArguments, "invalid tool arguments"},
		{CodePlanEmpty, "plan has no tasks"},
		{CodeSessionFinished, "session already finished"},
	}
	for _, item := range toolLevel {
		xerrors.Register(item.code, xerrors.Attributes{Message: item.message, Kind: xerrors.KindInvalid, Severity: xerrors.SeverityInfo})
	}

	xerrors.Register(CodeIterationLimitExceeded, xerrors.Attributes{
		Message:  "iteration limit exceeded",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeCancelled, xerrors.Attributes{
		Message:  "execution cancelled",
		Kind:     xerrors.KindCancelled,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeModelClientError, xerrors.Attributes{
		Message:   "model client error",
		Kind:      xerrors.KindUnavailable,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
