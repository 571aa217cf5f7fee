package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	xerrors "stark-backend/internal/errors"
	"stark-backend/internal/llm"
)

// Call 是已识别工具调用的封闭集合，只能由本包内的类型实现。
type Call interface {
	Tool() string
	validate() error
}

// SelectMode 在 Initializer 模式选择后续阶段。
type SelectMode struct {
	Mode      Mode   `json:"mode"`
	Reasoning string `json:"reasoning"`
}

// AddFinding 记录一条探索发现。
type AddFinding struct {
	Category  FindingCategory `json:"category"`
	Content   string          `json:"content"`
	Relevance Relevance       `json:"relevance"`
	Files     []string        `json:"files"`
}

// AddNote 向草稿区追加笔记。
type AddNote struct {
	Note string `json:"note"`
}

// ReadyToPlan 结束探索并进入计划阶段。
type ReadyToPlan struct {
	Summary string `json:"summary"`
}

// CreateTask 在计划中新增任务。
type CreateTask struct {
	ID             string         `json:"id"`
	Subject        string         `json:"subject"`
	Description    string         `json:"description"`
	BlockedBy      []string       `json:"blocked_by"`
	Priority       *int           `json:"priority"`
	Parallelizable *bool          `json:"parallelizable"`
	ToolName       string         `json:"tool"`
	ToolParams     map[string]any `json:"tool_params"`
}

// SetPlanSummary 设置计划摘要。
type SetPlanSummary struct {
	Summary string `json:"summary"`
}

// ReadyToPerform 确认计划并进入执行阶段。
type ReadyToPerform struct {
	Confirmation string `json:"confirmation"`
}

// StartTask 开始一个就绪任务。
type StartTask struct {
	TaskID string `json:"task_id"`
}

// CompleteTask 完成进行中的任务。
type CompleteTask struct {
	TaskID string `json:"task_id"`
	Result string `json:"result"`
}

// FailTask 将进行中的任务标记为失败。
type FailTask struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// GetTaskList 查询当前计划，不修改状态。
type GetTaskList struct{}

// FinishExecution 结束会话。
type FinishExecution struct {
	Summary  string `json:"summary"`
	FollowUp string `json:"follow_up"`
}

func (*SelectMode) Tool() string      { return ToolSelectMode }
func (*AddFinding) Tool() string      { return ToolAddFinding }
func (*AddNote) Tool() string         { return ToolAddNote }
func (*ReadyToPlan) Tool() string     { return ToolReadyToPlan }
func (*CreateTask) Tool() string      { return ToolCreateTask }
func (*SetPlanSummary) Tool() string  { return ToolSetPlanSummary }
func (*ReadyToPerform) Tool() string  { return ToolReadyToPerform }
func (*StartTask) Tool() string       { return ToolStartTask }
func (*CompleteTask) Tool() string    { return ToolCompleteTask }
func (*FailTask) Tool() string        { return ToolFailTask }
func (*GetTaskList) Tool() string     { return ToolGetTaskList }
func (*FinishExecution) Tool() string { return ToolFinishExecution }

var callFactories = map[string]func() Call{
	ToolSelectMode:      func() Call { return &SelectMode{} },
	ToolAddFinding:      func() Call { return &AddFinding{} },
	ToolAddNote:         func() Call { return &AddNote{} },
	ToolReadyToPlan:     func() Call { return &ReadyToPlan{} },
	ToolCreateTask:      func() Call { return &CreateTask{} },
	ToolSetPlanSummary:  func() Call { return &SetPlanSummary{} },
	ToolReadyToPerform:  func() Call { return &ReadyToPerform{} },
	ToolStartTask:       func() Call { return &StartTask{} },
	ToolCompleteTask:    func() Call { return &CompleteTask{} },
	ToolFailTask:        func() Call { return &FailTask{} },
	ToolGetTaskList:     func() Call { return &GetTaskList{} },
	ToolFinishExecution: func() Call { return &FinishExecution{} },
}

// Decode 在边界处把模型返回的工具调用解码为强类型 Call。
func Decode(raw llm.ToolCall) (Call, error) {
	name := strings.TrimSpace(raw.Name)
	factory, ok := callFactories[name]
	if !ok {
		return nil, xerrors.New(CodeUnknownTool, fmt.Sprintf("unknown tool %q", name))
	}
	call := factory()
	args := bytes.TrimSpace(llm.NormalizeArguments(raw.Arguments))
	if err := json.Unmarshal(args, call); err != nil {
		return nil, xerrors.Wrap(CodeInvalidToolArguments, err, fmt.Sprintf("%s: arguments are not a valid JSON object", name))
	}
	if err := call.validate(); err != nil {
		return nil, err
	}
	return call, nil
}

func invalidArgs(tool, format string, args ...any) error {
	return xerrors.New(CodeInvalidToolArguments, tool+": "+fmt.Sprintf(format, args...))
}

func required(tool string, fields map[string]string) error {
	for _, name := range sortedKeys(fields) {
		if strings.TrimSpace(fields[name]) == "" {
			return invalidArgs(tool, "%s is required", name)
		}
	}
	return nil
}

func sortedKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (c *SelectMode) validate() error {
	mode, ok := ParseMode(string(c.Mode))
	if !ok || mode == ModeInitializer {
		return invalidArgs(ToolSelectMode, "mode must be one of explore, plan, perform (got %q)", c.Mode)
	}
	c.Mode = mode
	return nil
}

func (c *AddFinding) validate() error {
	if err := required(ToolAddFinding, map[string]string{"content": c.Content}); err != nil {
		return err
	}
	c.Category = FindingCategory(strings.ToLower(strings.TrimSpace(string(c.Category))))
	if c.Category == "" {
		c.Category = CategoryOther
	}
	if !c.Category.valid() {
		return invalidArgs(ToolAddFinding, "unknown category %q", c.Category)
	}
	c.Relevance = Relevance(strings.ToLower(strings.TrimSpace(string(c.Relevance))))
	if c.Relevance == "" {
		c.Relevance = RelevanceMedium
	}
	if !c.Relevance.valid() {
		return invalidArgs(ToolAddFinding, "relevance must be high, medium or low (got %q)", c.Relevance)
	}
	return nil
}

func (c *AddNote) validate() error {
	return required(ToolAddNote, map[string]string{"note": c.Note})
}

func (c *ReadyToPlan) validate() error {
	return required(ToolReadyToPlan, map[string]string{"summary": c.Summary})
}

func (c *CreateTask) validate() error {
	c.ID = strings.TrimSpace(c.ID)
	return required(ToolCreateTask, map[string]string{
		"id":          c.ID,
		"subject":     c.Subject,
		"description": c.Description,
	})
}

func (c *SetPlanSummary) validate() error {
	return required(ToolSetPlanSummary, map[string]string{"summary": c.Summary})
}

func (c *ReadyToPerform) validate() error { return nil }

func (c *StartTask) validate() error {
	return required(ToolStartTask, map[string]string{"task_id": c.TaskID})
}

func (c *CompleteTask) validate() error {
	return required(ToolCompleteTask, map[string]string{"task_id": c.TaskID})
}

func (c *FailTask) validate() error {
	return required(ToolFailTask, map[string]string{"task_id": c.TaskID})
}

func (c *GetTaskList) validate() error { return nil }

func (c *FinishExecution) validate() error {
	return required(ToolFinishExecution, map[string]string{"summary": c.Summary})
}
