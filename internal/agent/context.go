package agent

import (
	"time"

	"stark-backend/internal/task"
)

// FindingCategory 是探索阶段发现的分类。
type FindingCategory string

const (
	CategoryCodePattern   FindingCategory = "code_pattern"
	CategoryFileStructure FindingCategory = "file_structure"
	CategoryDependency    FindingCategory = "dependency"
	CategoryConstraint    FindingCategory = "constraint"
	CategoryRisk          FindingCategory = "risk"
	CategoryOther         FindingCategory = "other"
)

func (c FindingCategory) valid() bool {
	switch c {
	case CategoryCodePattern, CategoryFileStructure, CategoryDependency, CategoryConstraint, CategoryRisk, CategoryOther:
		return true
	}
	return false
}

// Relevance 描述发现的重要程度。
type Relevance string

const (
	RelevanceHigh   Relevance = "high"
	RelevanceMedium Relevance = "medium"
	RelevanceLow    Relevance = "low"
)

func (r Relevance) valid() bool {
	return r == RelevanceHigh || r == RelevanceMedium || r == RelevanceLow
}

// Finding 是探索阶段记录的一条发现，只追加不修改。
type Finding struct {
	Category  FindingCategory `json:"category"`
	Content   string          `json:"content"`
	Relevance Relevance       `json:"relevance"`
	Files     []string        `json:"files,omitempty"`
}

// ModeTransition 是模式切换的审计记录，不参与控制流。
type ModeTransition struct {
	From   Mode   `json:"from"`
	To     Mode   `json:"to"`
	Reason string `json:"reason"`
	At     int64  `json:"at"`
}

// Context 是一次编排会话的全部可变状态。
//
// 持久化该结构即可在进程重启后精确恢复循环，包括下一轮要反馈给模型的观察结果。
type Context struct {
	OriginalRequest   string           `json:"original_request"`
	ExplorationNotes  []string         `json:"exploration_notes"`
	Findings          []Finding        `json:"findings"`
	Tasks             *task.Graph      `json:"tasks"`
	PlanSummary       string           `json:"plan_summary,omitempty"`
	Mode              Mode             `json:"mode"`
	ModeIterations    int              `json:"mode_iterations"`
	TotalIterations   int              `json:"total_iterations"`
	ContextSufficient bool             `json:"context_sufficient"`
	PlanReady         bool             `json:"plan_ready"`
	Scratchpad        []string         `json:"scratchpad"`
	Transitions       []ModeTransition `json:"transitions"`
	Finished          bool             `json:"finished"`
	FinalSummary      string           `json:"final_summary,omitempty"`
	FollowUp          string           `json:"follow_up,omitempty"`
	NoToolWarnings    int              `json:"no_tool_warnings"`
	LastAssistantText string           `json:"last_assistant_text,omitempty"`
	LastObservations  []Observation    `json:"last_observations,omitempty"`
	CreatedAt         int64            `json:"created_at"`
	UpdatedAt         int64            `json:"updated_at"`
}

// NewContext 为新请求创建处于 Initializer 模式的上下文。
func NewContext(request string) *Context {
	now := time.Now().Unix()
	return &Context{
		OriginalRequest:  request,
		ExplorationNotes: []string{},
		Findings:         []Finding{},
		Tasks:            task.NewGraph(),
		Mode:             ModeInitializer,
		Scratchpad:       []string{},
		Transitions:      []ModeTransition{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Clone 返回上下文的深拷贝，用于对外暴露快照。
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	clone := *c
	clone.ExplorationNotes = append([]string{}, c.ExplorationNotes...)
	clone.Findings = make([]Finding, 0, len(c.Findings))
	for _, f := range c.Findings {
		f.Files = append([]string(nil), f.Files...)
		clone.Findings = append(clone.Findings, f)
	}
	clone.Tasks = c.Tasks.Clone()
	clone.Scratchpad = append([]string{}, c.Scratchpad...)
	clone.Transitions = append([]ModeTransition{}, c.Transitions...)
	clone.LastObservations = append([]Observation(nil), c.LastObservations...)
	return &clone
}

// Stats 返回计划的任务统计。
func (c *Context) Stats() task.Stats {
	return c.Tasks.Stats()
}

func (c *Context) ensureGraph() {
	if c.Tasks == nil {
		c.Tasks = task.NewGraph()
	}
	if c.Mode == "" {
		c.Mode = ModeInitializer
	}
}

func (c *Context) transition(to Mode, reason string) {
	c.Transitions = append(c.Transitions, ModeTransition{
		From:   c.Mode,
		To:     to,
		Reason: reason,
		At:     time.Now().Unix(),
	})
	c.Mode = to
}
