package agent

import "strings"

// Mode 是编排状态机的当前阶段。
type Mode string

const (
	ModeInitializer Mode = "initializer"
	ModeExplore     Mode = "explore"
	ModePlan        Mode = "plan"
	ModePerform     Mode = "perform"
)

// 工具名称。
const (
	ToolSelectMode      = "select_mode"
	ToolAddFinding      = "add_finding"
	ToolAddNote         = "add_note"
	ToolReadyToPlan     = "ready_to_plan"
	ToolCreateTask      = "create_task"
	ToolSetPlanSummary  = "set_plan_summary"
	ToolReadyToPerform  = "ready_to_perform"
	ToolStartTask       = "start_task"
	ToolCompleteTask    = "complete_task"
	ToolFailTask        = "fail_task"
	ToolGetTaskList     = "get_task_list"
	ToolFinishExecution = "finish_execution"
)

// modeTools 是每个模式允许调用的固定工具集合，顺序即展示给模型的顺序。
var modeTools = map[Mode][]string{
	ModeInitializer: {ToolSelectMode},
	ModeExplore:     {ToolAddFinding, ToolAddNote, ToolReadyToPlan},
	ModePlan:        {ToolCreateTask, ToolSetPlanSummary, ToolAddNote, ToolGetTaskList, ToolReadyToPerform},
	ModePerform:     {ToolStartTask, ToolCompleteTask, ToolFailTask, ToolAddNote, ToolGetTaskList, ToolFinishExecution},
}

// Modes 按生命周期顺序返回全部模式。
func Modes() []Mode {
	return []Mode{ModeInitializer, ModeExplore, ModePlan, ModePerform}
}

// ParseMode 解析模式名称，大小写不敏感。
func ParseMode(value string) (Mode, bool) {
	mode := Mode(strings.ToLower(strings.TrimSpace(value)))
	_, ok := modeTools[mode]
	return mode, ok
}

// Valid 判断是否为已知模式。
func (m Mode) Valid() bool {
	_, ok := modeTools[m]
	return ok
}

// ToolNames 返回模式允许的工具名称副本。
func (m Mode) ToolNames() []string {
	return append([]string(nil), modeTools[m]...)
}

// Allows 判断模式是否允许调用指定工具。
func (m Mode) Allows(tool string) bool {
	for _, name := range modeTools[m] {
		if name == tool {
			return true
		}
	}
	return false
}
