package agent

import (
	"fmt"
	"strings"

	"stark-backend/internal/knowledge"
	"stark-backend/internal/llm"
)

const basePrompt = "You are Stark, an autonomous assistant that works through a request in phases. " +
	"You can only change state by calling tools; plain text replies do not advance the session. " +
	"Call one or more of the tools available in the current mode on every turn."

var modePrompts = map[Mode]string{
	ModeInitializer: "Mode: initializer. Decide how to approach the request by calling select_mode. " +
		"Pick perform directly only when the request is simple enough to finish without a plan.",
	ModeExplore: "Mode: explore. Gather the context you need. Record what you learn with add_finding " +
		"and add_note, then call ready_to_plan with a summary once the context is sufficient.",
	ModePlan: "Mode: plan. Break the work into tasks with create_task, using blocked_by for ordering " +
		"and priority (lower runs first) to rank independent tasks. Call ready_to_perform when the plan is complete.",
	ModePerform: "Mode: perform. Work through the plan: start_task on a ready task, then complete_task or fail_task. " +
		"Call finish_execution with a summary when you are done.",
}

// buildRequest 完全基于上下文重建本轮对话，保证从持久化状态恢复后的请求与中断前一致。
func buildRequest(c *Context, tools []llm.ToolSpec, snippets []knowledge.Snippet) llm.Request {
	var system strings.Builder
	system.WriteString(basePrompt)
	system.WriteString("\n\n")
	system.WriteString(modePrompts[c.Mode])
	if len(snippets) > 0 {
		system.WriteString("\n\n## Reference knowledge\n")
		for idx, snippet := range snippets {
			fmt.Fprintf(&system, "[%d] %s: %s\n", idx+1, strings.TrimSpace(snippet.Title), truncate(snippet.Content, 400))
		}
	}

	messages := []llm.Message{
		{Role: llm.RoleUser, Content: c.OriginalRequest},
		{Role: llm.RoleUser, Content: renderState(c)},
	}
	if text := strings.TrimSpace(c.LastAssistantText); text != "" {
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: text})
	}
	if len(c.LastObservations) > 0 {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: renderObservations(c.LastObservations)})
	}

	return llm.Request{
		System:   strings.TrimSpace(system.String()),
		Messages: messages,
		Tools:    tools,
	}
}

func renderState(c *Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Session state\nMode: %s (iteration %d in mode, %d total)\n", c.Mode, c.ModeIterations, c.TotalIterations)

	if len(c.ExplorationNotes) > 0 {
		b.WriteString("\n### Exploration summary\n")
		for _, note := range c.ExplorationNotes {
			fmt.Fprintf(&b, "- %s\n", note)
		}
	}
	if len(c.Findings) > 0 {
		b.WriteString("\n### Findings\n")
		for _, f := range c.Findings {
			fmt.Fprintf(&b, "- [%s/%s] %s", f.Category, f.Relevance, f.Content)
			if len(f.Files) > 0 {
				fmt.Fprintf(&b, " (files: %s)", strings.Join(f.Files, ", "))
			}
			b.WriteString("\n")
		}
	}
	if len(c.Scratchpad) > 0 {
		b.WriteString("\n### Scratchpad\n")
		for _, note := range c.Scratchpad {
			fmt.Fprintf(&b, "- %s\n", note)
		}
	}
	if c.PlanSummary != "" {
		fmt.Fprintf(&b, "\n### Plan summary\n%s\n", c.PlanSummary)
	}
	if !c.Tasks.IsEmpty() {
		fmt.Fprintf(&b, "\n### Plan\n%s\n", RenderTaskList(c.Tasks))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderObservations(observations []Observation) string {
	var b strings.Builder
	b.WriteString("## Tool results\n")
	for _, obs := range observations {
		name := obs.Tool
		if name == "" {
			name = "system"
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, obs.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
