package task

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	xerrors "stark-backend/internal/errors"
)

func mustAdd(t *testing.T, g *Graph, tk *Task) {
	t.Helper()
	if err := g.Add(tk); err != nil {
		t.Fatalf("add %s: %v", tk.ID, err)
	}
}

func withDeps(tk *Task, priority int, deps ...string) *Task {
	tk.Priority = priority
	tk.BlockedBy = deps
	return tk
}

func ids(tasks []*Task) []string {
	out := make([]string, 0, len(tasks))
	for _, tk := range tasks {
		out = append(out, tk.ID)
	}
	return out
}

func buildABC(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph()
	mustAdd(t, g, withDeps(New("A", "a", "first"), 50))
	mustAdd(t, g, withDeps(New("B", "b", "second"), DefaultPriority, "A"))
	mustAdd(t, g, withDeps(New("C", "c", "third"), 1, "A"))
	return g
}

func TestGraphReadyAndNextTaskByPriority(t *testing.T) {
	g := buildABC(t)

	if got := ids(g.ReadyTasks()); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("expected only A ready, got %v", got)
	}
	b, _ := g.Get("B")
	if b.Status != StatusBlocked {
		t.Fatalf("expected B blocked, got %s", b.Status)
	}

	if err := g.Start("A"); err != nil {
		t.Fatalf("start A: %v", err)
	}
	unblocked, err := g.Complete("A", "done")
	if err != nil {
		t.Fatalf("complete A: %v", err)
	}
	if !reflect.DeepEqual(unblocked, []string{"B", "C"}) {
		t.Fatalf("unexpected unblocked set: %v", unblocked)
	}
	if got := ids(g.ReadyTasks()); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Fatalf("expected B and C ready, got %v", got)
	}

	next, ok := g.NextTask()
	if !ok || next.ID != "C" {
		t.Fatalf("expected C next, got %+v", next)
	}
	again, _ := g.NextTask()
	if again.ID != next.ID {
		t.Fatalf("next task not deterministic: %s vs %s", next.ID, again.ID)
	}
}

func TestGraphNextTaskTieBreaksByInsertionOrder(t *testing.T) {
	g := NewGraph()
	for _, id := range []string{"z", "y", "x"} {
		mustAdd(t, g, New(id, id, id))
	}
	next, ok := g.NextTask()
	if !ok || next.ID != "z" {
		t.Fatalf("expected first created task, got %+v", next)
	}
}

func TestGraphAddRejectsDuplicate(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, New("A", "a", "a"))
	err := g.Add(New("A", "again", "again"))
	if !errors.Is(err, ErrDuplicateTaskID) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if g.Len() != 1 {
		t.Fatalf("duplicate must not be inserted")
	}
}

func TestGraphCompletionUnblocksOnlyDirectDependents(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, New("A", "a", "a"))
	mustAdd(t, g, withDeps(New("B", "b", "b"), DefaultPriority, "A"))
	mustAdd(t, g, withDeps(New("C", "c", "c"), DefaultPriority, "B"))

	if err := g.Start("A"); err != nil {
		t.Fatalf("start A: %v", err)
	}
	unblocked, err := g.Complete("A", "")
	if err != nil {
		t.Fatalf("complete A: %v", err)
	}
	if !reflect.DeepEqual(unblocked, []string{"B"}) {
		t.Fatalf("expected only B unblocked, got %v", unblocked)
	}
	c, _ := g.Get("C")
	if c.Status != StatusBlocked {
		t.Fatalf("expected C still blocked, got %s", c.Status)
	}
}

func TestGraphBlockedInvariantHolds(t *testing.T) {
	g := buildABC(t)
	mustAdd(t, g, withDeps(New("D", "d", "d"), 10, "B", "C"))

	check := func(stage string) {
		completed := g.CompletedIDs()
		for _, tk := range g.Tasks() {
			if tk.Status.IsStarted() {
				continue
			}
			missing := false
			for _, dep := range tk.BlockedBy {
				if _, ok := completed[dep]; !ok {
					missing = true
				}
			}
			if missing != (tk.Status == StatusBlocked) {
				t.Fatalf("%s: task %s has status %s with missing deps=%v", stage, tk.ID, tk.Status, missing)
			}
		}
	}

	check("initial")
	for _, id := range []string{"A", "C", "B", "D"} {
		if err := g.Start(id); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
		check("started " + id)
		if _, err := g.Complete(id, "ok"); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
		check("completed " + id)
	}
	if !g.AllTerminal() {
		t.Fatalf("expected all tasks terminal")
	}
}

func TestGraphLifecycleErrors(t *testing.T) {
	g := buildABC(t)

	cases := []struct {
		name string
		run  func() error
	}{
		{"start missing", func() error { return g.Start("X") }},
		{"start blocked", func() error { return g.Start("B") }},
		{"complete pending", func() error { _, err := g.Complete("A", ""); return err }},
		{"fail pending", func() error { return g.Fail("A", "boom") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.run(); !errors.Is(err, ErrTaskNotReady) {
				t.Fatalf("expected task not ready, got %v", err)
			}
		})
	}

	if err := g.Start("A"); err != nil {
		t.Fatalf("start A: %v", err)
	}
	if err := g.Start("A"); !errors.Is(err, ErrTaskNotReady) {
		t.Fatalf("expected restart to fail, got %v", err)
	}
}

func TestGraphFailDoesNotCascade(t *testing.T) {
	g := buildABC(t)
	if err := g.Start("A"); err != nil {
		t.Fatalf("start A: %v", err)
	}
	if err := g.Fail("A", "boom"); err != nil {
		t.Fatalf("fail A: %v", err)
	}
	stats := g.Stats()
	if stats.Failed != 1 || stats.Blocked != 2 {
		t.Fatalf("unexpected stats after failure: %+v", stats)
	}
	if g.AllTerminal() {
		t.Fatalf("blocked dependents must keep the plan open")
	}
	if got := g.Unreachable(); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Fatalf("expected B and C unreachable, got %v", got)
	}
}

func TestGraphUnreachableDetectsCyclesAndMissingDeps(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, withDeps(New("A", "a", "a"), DefaultPriority, "B"))
	mustAdd(t, g, withDeps(New("B", "b", "b"), DefaultPriority, "A"))
	mustAdd(t, g, withDeps(New("C", "c", "c"), DefaultPriority, "ghost"))
	mustAdd(t, g, New("D", "d", "d"))
	mustAdd(t, g, withDeps(New("E", "e", "e"), DefaultPriority, "D"))

	got := g.Unreachable()
	if !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Fatalf("unexpected unreachable set: %v", got)
	}
}

func TestGraphForwardReferenceResolvesOnCompletion(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, withDeps(New("B", "b", "b"), DefaultPriority, "A"))
	mustAdd(t, g, New("A", "a", "a"))

	a, _ := g.Get("A")
	if !reflect.DeepEqual(a.Blocks, []string{"B"}) {
		t.Fatalf("expected reverse edge on A, got %v", a.Blocks)
	}
	if err := g.Start("A"); err != nil {
		t.Fatalf("start A: %v", err)
	}
	if _, err := g.Complete("A", ""); err != nil {
		t.Fatalf("complete A: %v", err)
	}
	if got := ids(g.ReadyTasks()); !reflect.DeepEqual(got, []string{"B"}) {
		t.Fatalf("expected B ready, got %v", got)
	}
}

func TestGraphRemoveReleasesDependents(t *testing.T) {
	g := buildABC(t)
	if !g.Remove("A") {
		t.Fatalf("expected A to be removed")
	}
	if g.Remove("A") {
		t.Fatalf("second removal must report missing task")
	}
	if got := ids(g.ReadyTasks()); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Fatalf("expected B and C ready after removal, got %v", got)
	}
	for _, tk := range g.Tasks() {
		if len(tk.BlockedBy) != 0 {
			t.Fatalf("task %s still references removed task: %v", tk.ID, tk.BlockedBy)
		}
	}
}

func TestGraphJSONRoundTrip(t *testing.T) {
	g := buildABC(t)
	if err := g.Start("A"); err != nil {
		t.Fatalf("start A: %v", err)
	}

	data, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored := NewGraph()
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(restored.Tasks(), g.Tasks()) {
		t.Fatalf("round trip mismatch\nwant %+v\n got %+v", g.Tasks(), restored.Tasks())
	}
	if _, err := restored.Complete("A", "ok"); err != nil {
		t.Fatalf("restored graph must stay usable: %v", err)
	}
}

func TestEmptyGraph(t *testing.T) {
	var g *Graph
	if !g.IsEmpty() || !g.AllTerminal() {
		t.Fatalf("nil graph should be empty and terminal")
	}
	if _, ok := g.NextTask(); ok {
		t.Fatalf("nil graph has no next task")
	}
	data, err := json.Marshal(NewGraph())
	if err != nil || string(data) != "[]" {
		t.Fatalf("unexpected empty encoding %q (%v)", data, err)
	}
}

func TestNilGraphRejectsAdd(t *testing.T) {
	var g *Graph
	if err := g.Add(New("A", "a", "a")); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument on nil graph, got %v", err)
	}
	if g.Len() != 0 {
		t.Fatalf("nil graph must stay empty")
	}
}
