package agent

import (
	"fmt"
	"strings"
	"time"

	xerrors "stark-backend/internal/errors"
	"stark-backend/internal/task"
)

// Observation 是一次工具调用的结果，会在下一轮作为输入反馈给模型。
type Observation struct {
	CallID  string       `json:"call_id,omitempty"`
	Tool    string       `json:"tool"`
	Content string       `json:"content"`
	Code    xerrors.Code `json:"code,omitempty"`
}

// IsError 判断观察结果是否代表失败的调用。
func (o Observation) IsError() bool {
	return o.Code != ""
}

func errorObservation(tool string, err error) Observation {
	msg := err.Error()
	if coded, ok := xerrors.From(err); ok {
		msg = coded.Message()
	}
	return Observation{Tool: tool, Content: "Error: " + msg, Code: xerrors.CodeOf(err)}
}

// Apply 将工具调用作用于上下文，是修改编排状态的唯一入口。
//
// 返回错误时上下文保持不变，错误同时体现在返回的 Observation 中。
func Apply(c *Context, call Call) (Observation, error) {
	c.ensureGraph()
	tool := call.Tool()

	if c.Finished {
		err := xerrors.New(CodeSessionFinished, "the session has already finished; no further tool calls are accepted")
		return errorObservation(tool, err), err
	}
	if !c.Mode.Allows(tool) {
		err := xerrors.New(CodeToolNotAvailableInMode, fmt.Sprintf(
			"tool %q is not available in %s mode; available tools: %s",
			tool, c.Mode, strings.Join(c.Mode.ToolNames(), ", ")))
		return errorObservation(tool, err), err
	}

	content, err := apply(c, call)
	if err != nil {
		return errorObservation(tool, err), err
	}
	c.UpdatedAt = time.Now().Unix()
	return Observation{Tool: tool, Content: content}, nil
}

func apply(c *Context, call Call) (string, error) {
	switch call := call.(type) {
	case *SelectMode:
		from := c.Mode
		switch call.Mode {
		case ModePlan:
			c.ContextSufficient = true
		case ModePerform:
			c.ContextSufficient = true
			c.PlanReady = true
		}
		c.transition(call.Mode, call.Reasoning)
		return fmt.Sprintf("Mode changed from %s to %s.", from, call.Mode), nil

	case *AddFinding:
		c.Findings = append(c.Findings, Finding{
			Category:  call.Category,
			Content:   call.Content,
			Relevance: call.Relevance,
			Files:     append([]string(nil), call.Files...),
		})
		return fmt.Sprintf("Finding #%d recorded (%s, %s relevance).", len(c.Findings), call.Category, call.Relevance), nil

	case *AddNote:
		c.Scratchpad = append(c.Scratchpad, call.Note)
		return fmt.Sprintf("Note #%d added to scratchpad.", len(c.Scratchpad)), nil

	case *ReadyToPlan:
		c.ExplorationNotes = append(c.ExplorationNotes, call.Summary)
		c.ContextSufficient = true
		c.transition(ModePlan, call.Summary)
		return "Exploration complete. Now in plan mode: create tasks, then call ready_to_perform.", nil

	case *CreateTask:
		return createTask(c, call)

	case *SetPlanSummary:
		c.PlanSummary = call.Summary
		return "Plan summary updated.", nil

	case *ReadyToPerform:
		if c.Tasks.IsEmpty() {
			return "", xerrors.New(CodePlanEmpty, "cannot start performing: the plan has no tasks; create at least one task first")
		}
		c.PlanReady = true
		reason := call.Confirmation
		if strings.TrimSpace(reason) == "" {
			reason = "plan confirmed"
		}
		c.transition(ModePerform, reason)
		var b strings.Builder
		fmt.Fprintf(&b, "Plan confirmed with %d task(s). Now in perform mode.", c.Tasks.Len())
		if next, ok := c.Tasks.NextTask(); ok {
			fmt.Fprintf(&b, " Next task: [%s] %s.", next.ID, next.Subject)
		}
		return b.String(), nil

	case *StartTask:
		if err := c.Tasks.Start(call.TaskID); err != nil {
			return "", err
		}
		t, _ := c.Tasks.Get(call.TaskID)
		var b strings.Builder
		fmt.Fprintf(&b, "Task [%s] %s is now in progress.\nDescription: %s", t.ID, t.Subject, t.Description)
		if t.Tool != "" {
			fmt.Fprintf(&b, "\nSuggested tool: %s", t.Tool)
		}
		return b.String(), nil

	case *CompleteTask:
		unblocked, err := c.Tasks.Complete(call.TaskID, call.Result)
		if err != nil {
			return "", err
		}
		return describeProgress(c, fmt.Sprintf("Task [%s] completed.", call.TaskID), unblocked), nil

	case *FailTask:
		if err := c.Tasks.Fail(call.TaskID, call.Error); err != nil {
			return "", err
		}
		msg := fmt.Sprintf("Task [%s] marked as failed.", call.TaskID)
		if t, ok := c.Tasks.Get(call.TaskID); ok && len(t.Blocks) > 0 {
			msg += fmt.Sprintf(" Dependent tasks remain blocked: %s.", strings.Join(t.Blocks, ", "))
		}
		return describeProgress(c, msg, nil), nil

	case *GetTaskList:
		return RenderTaskList(c.Tasks), nil

	case *FinishExecution:
		c.Finished = true
		c.FinalSummary = call.Summary
		c.FollowUp = call.FollowUp
		stats := c.Tasks.Stats()
		if remaining := stats.Remaining(); remaining > 0 {
			return fmt.Sprintf("Execution finished with %d unfinished task(s).", remaining), nil
		}
		return "Execution finished.", nil
	}
	return "", xerrors.New(CodeUnknownTool, fmt.Sprintf("unsupported tool %q", call.Tool()))
}

func createTask(c *Context, call *CreateTask) (string, error) {
	t := task.New(call.ID, call.Subject, call.Description)
	t.BlockedBy = append(t.BlockedBy, call.BlockedBy...)
	if call.Priority != nil {
		t.Priority = *call.Priority
	}
	if call.Parallelizable != nil {
		t.Parallelizable = *call.Parallelizable
	}
	t.Tool = call.ToolName
	t.ToolParams = call.ToolParams

	if err := c.Tasks.Add(t); err != nil {
		return "", err
	}
	c.Tasks.RecomputeBlocked()

	stored, _ := c.Tasks.Get(t.ID)
	msg := fmt.Sprintf("Task [%s] created with status %s (priority %d).", stored.ID, stored.Status, stored.Priority)
	if stored.Status == task.StatusBlocked {
		msg += fmt.Sprintf(" Waiting on: %s.", strings.Join(stored.BlockedBy, ", "))
	}
	return msg, nil
}

func describeProgress(c *Context, head string, unblocked []string) string {
	var b strings.Builder
	b.WriteString(head)
	if len(unblocked) > 0 {
		fmt.Fprintf(&b, " Unblocked: %s.", strings.Join(unblocked, ", "))
	}
	stats := c.Tasks.Stats()
	fmt.Fprintf(&b, " Progress: %d/%d completed, %d failed.", stats.Completed, stats.Total, stats.Failed)
	if next, ok := c.Tasks.NextTask(); ok {
		fmt.Fprintf(&b, " Next task: [%s] %s.", next.ID, next.Subject)
	} else if c.Tasks.AllTerminal() {
		b.WriteString(" All tasks are finished; call finish_execution.")
	}
	return b.String()
}

// RenderTaskList 以模型可读的格式输出计划快照。
func RenderTaskList(g *task.Graph) string {
	if g.IsEmpty() {
		return "No tasks in the plan."
	}
	stats := g.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "Tasks: %d total, %d pending, %d blocked, %d in progress, %d completed, %d failed\n",
		stats.Total, stats.Pending, stats.Blocked, stats.InProgress, stats.Completed, stats.Failed)
	for _, t := range g.Tasks() {
		fmt.Fprintf(&b, "- [%s] %s (%s, priority %d)", t.ID, t.Subject, t.Status, t.Priority)
		if len(t.BlockedBy) > 0 {
			fmt.Fprintf(&b, " blocked_by=%s", strings.Join(t.BlockedBy, ","))
		}
		switch {
		case t.Result != "":
			fmt.Fprintf(&b, " result=%q", truncate(t.Result, 120))
		case t.Error != "":
			fmt.Fprintf(&b, " error=%q", truncate(t.Error, 120))
		}
		b.WriteString("\n")
	}
	if next, ok := g.NextTask(); ok {
		fmt.Fprintf(&b, "Next ready task: [%s]\n", next.ID)
	}
	if stuck := g.Unreachable(); len(stuck) > 0 {
		fmt.Fprintf(&b, "Unreachable (failed, missing or cyclic dependencies): %s\n", strings.Join(stuck, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return text
}
