package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "stark-backend/internal/errors"
)

// Graph 保存一个会话计划中的全部任务及其依赖边。
//
// 任务按创建顺序保存，该顺序同时用于优先级相同时的排序。Graph 不做任何加锁，
// 它只属于单个 AgentContext，由所属的编排循环独占写入。
type Graph struct {
	tasks []*Task
	index map[string]int
}

// NewGraph 创建一个空的任务图。
func NewGraph() *Graph {
	return &Graph{index: make(map[string]int)}
}

// Len 返回任务数量。
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.tasks)
}

// IsEmpty 判断计划中是否还没有任务。
func (g *Graph) IsEmpty() bool {
	return g.Len() == 0
}

// Add 插入新任务。重复的 ID 返回 ErrDuplicateTaskID。
func (g *Graph) Add(t *Task) error {
	if g == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务图未初始化")
	}
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	id := strings.TrimSpace(t.ID)
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	g.ensureIndex()
	if _, ok := g.index[id]; ok {
		return xerrors.New(CodeDuplicateTaskID, fmt.Sprintf("task %q already exists", id))
	}

	stored := t.Clone()
	stored.ID = id
	stored.BlockedBy = normalizeDeps(stored.BlockedBy)
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	if stored.CreatedAt == 0 {
		stored.CreatedAt = time.Now().Unix()
	}

	g.index[id] = len(g.tasks)
	g.tasks = append(g.tasks, stored)
	g.rebuildBlocks()

	if !stored.Status.IsStarted() {
		stored.Status = g.classify(stored, g.completedSet())
	}
	return nil
}

// Get 返回任务的副本。
func (g *Graph) Get(id string) (*Task, bool) {
	t := g.lookup(id)
	if t == nil {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks 按创建顺序返回全部任务的副本。
func (g *Graph) Tasks() []*Task {
	if g == nil {
		return nil
	}
	out := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// CompletedIDs 返回当前所有已完成任务的 ID 集合。
func (g *Graph) CompletedIDs() map[string]struct{} {
	return g.completedSet()
}

// IsReady 判断任务是否可以开始：状态为 Pending 且全部依赖都已完成。
func IsReady(t *Task, completed map[string]struct{}) bool {
	if t == nil || t.Status != StatusPending {
		return false
	}
	for _, dep := range t.BlockedBy {
		if _, ok := completed[dep]; !ok {
			return false
		}
	}
	return true
}

// ReadyTasks 按创建顺序返回所有就绪任务的副本。
func (g *Graph) ReadyTasks() []*Task {
	if g == nil {
		return nil
	}
	completed := g.completedSet()
	var ready []*Task
	for _, t := range g.tasks {
		if IsReady(t, completed) {
			ready = append(ready, t.Clone())
		}
	}
	return ready
}

// NextTask 返回就绪任务中优先级数值最小的一个，相同优先级时先创建者优先。
func (g *Graph) NextTask() (*Task, bool) {
	if g == nil {
		return nil, false
	}
	completed := g.completedSet()
	var best *Task
	for _, t := range g.tasks {
		if !IsReady(t, completed) {
			continue
		}
		if best == nil || t.Priority < best.Priority {
			best = t
		}
	}
	if best == nil {
		return nil, false
	}
	return best.Clone(), true
}

// RecomputeBlocked 重新划分所有未开始任务的 Pending/Blocked 状态。
// 返回本次从 Blocked 变为 Pending 的任务 ID。
//
// 判定基于调用时刻的已完成集合，因此单次完成只会解锁其直接下游。
func (g *Graph) RecomputeBlocked() []string {
	if g == nil {
		return nil
	}
	completed := g.completedSet()
	var unblocked []string
	for _, t := range g.tasks {
		if t.Status != StatusPending && t.Status != StatusBlocked {
			continue
		}
		next := g.classify(t, completed)
		if t.Status == StatusBlocked && next == StatusPending {
			unblocked = append(unblocked, t.ID)
		}
		t.Status = next
	}
	return unblocked
}

// Start 将 Pending 任务标记为进行中。
func (g *Graph) Start(id string) error {
	t := g.lookup(id)
	if t == nil {
		return notReady(id, "does not exist")
	}
	if t.Status != StatusPending {
		return notReady(id, fmt.Sprintf("is %s, only pending tasks can be started", t.Status))
	}
	t.Status = StatusInProgress
	t.StartedAt = time.Now().Unix()
	return nil
}

// Complete 将进行中的任务标记为完成，并返回因此解锁的任务 ID。
func (g *Graph) Complete(id, result string) ([]string, error) {
	t := g.lookup(id)
	if t == nil {
		return nil, notReady(id, "does not exist")
	}
	if t.Status != StatusInProgress {
		return nil, notReady(id, fmt.Sprintf("is %s, only in-progress tasks can be completed", t.Status))
	}
	t.Status = StatusCompleted
	t.Result = result
	t.FinishedAt = time.Now().Unix()
	return g.RecomputeBlocked(), nil
}

// Fail 将进行中的任务标记为失败。下游任务不会被级联标记，会保持 Blocked。
func (g *Graph) Fail(id, errMsg string) error {
	t := g.lookup(id)
	if t == nil {
		return notReady(id, "does not exist")
	}
	if t.Status != StatusInProgress {
		return notReady(id, fmt.Sprintf("is %s, only in-progress tasks can be failed", t.Status))
	}
	t.Status = StatusFailed
	t.Error = errMsg
	t.FinishedAt = time.Now().Unix()
	return nil
}

// Remove 删除任务，并将其从其他任务的依赖中移除。返回任务是否存在。
func (g *Graph) Remove(id string) bool {
	if g.lookup(id) == nil {
		return false
	}
	kept := g.tasks[:0]
	for _, t := range g.tasks {
		if t.ID == id {
			continue
		}
		t.BlockedBy = removeID(t.BlockedBy, id)
		kept = append(kept, t)
	}
	for i := len(kept); i < len(g.tasks); i++ {
		g.tasks[i] = nil
	}
	g.tasks = kept
	g.reindex()
	g.rebuildBlocks()
	g.RecomputeBlocked()
	return true
}

// Stats 返回各状态的任务数量。
func (g *Graph) Stats() Stats {
	var stats Stats
	if g == nil {
		return stats
	}
	for _, t := range g.tasks {
		stats.Total++
		switch t.Status {
		case StatusPending:
			stats.Pending++
		case StatusBlocked:
			stats.Blocked++
		case StatusInProgress:
			stats.InProgress++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// AllTerminal 判断是否所有任务都已完成或失败。
func (g *Graph) AllTerminal() bool {
	if g == nil {
		return true
	}
	for _, t := range g.tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Unreachable 返回永远无法就绪的 Blocked 任务：其依赖链上存在失败任务、
// 不存在的任务或者环。该查询只用于诊断，不会修改任何状态。
func (g *Graph) Unreachable() []string {
	if g == nil {
		return nil
	}
	const (
		_ = iota
		visiting
		reachable
		unreachable
	)
	state := make(map[string]int, len(g.tasks))

	var resolve func(id string) bool
	resolve = func(id string) bool {
		switch state[id] {
		case visiting:
			return false
		case reachable:
			return true
		case unreachable:
			return false
		}
		t := g.lookup(id)
		if t == nil {
			state[id] = unreachable
			return false
		}
		switch t.Status {
		case StatusCompleted, StatusInProgress, StatusPending:
			state[id] = reachable
			return true
		case StatusFailed:
			state[id] = unreachable
			return false
		}
		state[id] = visiting
		ok := true
		for _, dep := range t.BlockedBy {
			if !resolve(dep) {
				ok = false
				break
			}
		}
		if ok {
			state[id] = reachable
		} else {
			state[id] = unreachable
		}
		return ok
	}

	var stuck []string
	for _, t := range g.tasks {
		if t.Status == StatusBlocked && !resolve(t.ID) {
			stuck = append(stuck, t.ID)
		}
	}
	return stuck
}

// MarshalJSON 将任务图编码为按创建顺序排列的任务数组。
func (g *Graph) MarshalJSON() ([]byte, error) {
	if g == nil || len(g.tasks) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(g.tasks)
}

// UnmarshalJSON 从任务数组恢复任务图，并重建索引与反向边。
func (g *Graph) UnmarshalJSON(data []byte) error {
	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return err
	}
	g.tasks = g.tasks[:0]
	for _, t := range tasks {
		if t == nil {
			continue
		}
		if t.BlockedBy == nil {
			t.BlockedBy = []string{}
		}
		g.tasks = append(g.tasks, t)
	}
	g.reindex()
	if len(g.index) != len(g.tasks) {
		return xerrors.New(CodeDuplicateTaskID, "persisted plan contains duplicate task ids")
	}
	g.rebuildBlocks()
	return nil
}

func (g *Graph) lookup(id string) *Task {
	if g == nil {
		return nil
	}
	g.ensureIndex()
	idx, ok := g.index[strings.TrimSpace(id)]
	if !ok {
		return nil
	}
	return g.tasks[idx]
}

func (g *Graph) ensureIndex() {
	if g.index == nil {
		g.reindex()
	}
}

func (g *Graph) reindex() {
	g.index = make(map[string]int, len(g.tasks))
	for i, t := range g.tasks {
		g.index[t.ID] = i
	}
}

// rebuildBlocks 根据 BlockedBy 重新生成反向边缓存。
func (g *Graph) rebuildBlocks() {
	for _, t := range g.tasks {
		t.Blocks = nil
	}
	for _, t := range g.tasks {
		for _, dep := range t.BlockedBy {
			if upstream := g.lookup(dep); upstream != nil {
				upstream.Blocks = append(upstream.Blocks, t.ID)
			}
		}
	}
}

func (g *Graph) completedSet() map[string]struct{} {
	completed := make(map[string]struct{})
	if g == nil {
		return completed
	}
	for _, t := range g.tasks {
		if t.Status == StatusCompleted {
			completed[t.ID] = struct{}{}
		}
	}
	return completed
}

func (g *Graph) classify(t *Task, completed map[string]struct{}) Status {
	for _, dep := range t.BlockedBy {
		if _, ok := completed[dep]; !ok {
			return StatusBlocked
		}
	}
	return StatusPending
}

func notReady(id, reason string) error {
	return xerrors.New(CodeTaskNotReady, fmt.Sprintf("task %q %s", id, reason))
}

func normalizeDeps(deps []string) []string {
	out := make([]string, 0, len(deps))
	seen := make(map[string]struct{}, len(deps))
	for _, dep := range deps {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			continue
		}
		if _, ok := seen[dep]; ok {
			continue
		}
		seen[dep] = struct{}{}
		out = append(out, dep)
	}
	return out
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Clone 返回任务图的深拷贝。
func (g *Graph) Clone() *Graph {
	clone := NewGraph()
	if g == nil {
		return clone
	}
	clone.tasks = make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		clone.tasks = append(clone.tasks, t.Clone())
	}
	clone.reindex()
	return clone
}
