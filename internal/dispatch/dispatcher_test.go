package dispatch

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"stark-backend/internal/agent"
	xerrors "stark-backend/internal/errors"
	"stark-backend/internal/execution"
	"stark-backend/internal/observability/alerting"
	"stark-backend/internal/session"
)

type runFunc func(call int, ctx context.Context, key string, c *agent.Context, ctl agent.Control) (*agent.Outcome, error)

type stubRunner struct {
	mu   sync.Mutex
	keys []string
	run  runFunc
}

func (r *stubRunner) Run(ctx context.Context, key string, c *agent.Context, ctl agent.Control) (*agent.Outcome, error) {
	r.mu.Lock()
	call := len(r.keys)
	r.keys = append(r.keys, key)
	r.mu.Unlock()
	return r.run(call, ctx, key, c, ctl)
}

func (r *stubRunner) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func finishWith(c *agent.Context, summary string) (*agent.Outcome, error) {
	c.Finished = true
	c.FinalSummary = summary
	c.TotalIterations++
	return &agent.Outcome{Status: agent.OutcomeFinished, Reason: summary, Context: c.Clone()}, nil
}

func blockUntilCancelled(ctx context.Context, c *agent.Context, ctl agent.Control) (*agent.Outcome, error) {
	select {
	case <-ctl.Done():
	case <-ctx.Done():
	}
	err := xerrors.New(agent.CodeCancelled, "execution cancelled")
	return &agent.Outcome{Status: agent.OutcomeCancelled, Code: agent.CodeCancelled, Reason: err.Message(), Context: c.Clone()}, err
}

func modelFailure(c *agent.Context) (*agent.Outcome, error) {
	err := xerrors.New(agent.CodeModelClientError, "model call failed")
	return &agent.Outcome{Status: agent.OutcomeFailed, Code: err.Code(), Reason: err.Message(), Context: c.Clone()}, err
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAlerter) stages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	stages := make([]string, 0, len(a.events))
	for _, event := range a.events {
		stages = append(stages, event.Metadata["stage"])
	}
	return stages
}

type harness struct {
	store      *MemoryStore
	queue      *MemoryQueue
	registry   *execution.Registry
	sessions   *session.MemoryStore
	alerts     *recordingAlerter
	dispatcher *Dispatcher
	service    *Service
}

func newHarness(t *testing.T, runner Runner, opts ...ServiceOption) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemoryStore(),
		queue:    NewMemoryQueue(16),
		registry: execution.NewRegistry(execution.WithPollInterval(5 * time.Millisecond)),
		sessions: session.NewMemoryStore(),
		alerts:   &recordingAlerter{},
	}
	h.dispatcher = NewDispatcher(runner, h.registry, h.sessions, h.store, h.queue, h.queue,
		WithWorkerCount(2), WithAlertDispatcher(h.alerts))
	h.service = NewService(h.store, h.queue, h.dispatcher, opts...)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := h.dispatcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("dispatcher exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.dispatcher.Wait()
	})
}

func (h *harness) submit(t *testing.T, channelID, sessionID int64, text string) *Message {
	t.Helper()
	msg, err := h.service.Submit(context.Background(), SubmitRequest{ChannelID: channelID, SessionID: sessionID, Text: text})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return msg
}

func (h *harness) wait(t *testing.T, id string) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, err := h.service.WaitUntilFinished(ctx, id, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for %s: %v", id, err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcherRunsMessageToCompletion(t *testing.T) {
	runner := &stubRunner{run: func(_ int, _ context.Context, _ string, c *agent.Context, _ agent.Control) (*agent.Outcome, error) {
		if c.OriginalRequest != "ship the release" || c.Mode != agent.ModeInitializer {
			t.Errorf("unexpected starting context %+v", c)
		}
		return finishWith(c, "released")
	}}
	h := newHarness(t, runner)
	h.start(t)

	msg := h.wait(t, h.submit(t, 7, 42, "ship the release").ID)
	if msg.Status != StatusFinished || msg.Attempts != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Result == nil || msg.Result.Summary != "released" || msg.Result.ExecutionID == "" || msg.Result.TotalIterations != 1 {
		t.Fatalf("unexpected result %+v", msg.Result)
	}
	if !reflect.DeepEqual(runner.calls(), []string{session.Key(42)}) {
		t.Fatalf("unexpected session keys %v", runner.calls())
	}
	if h.sessions.Len() != 0 {
		t.Fatalf("context of a finished session must be discarded")
	}
	if _, ok := h.registry.GetExecutionID(7); ok {
		t.Fatalf("finished execution must leave the registry")
	}
}

func TestDispatcherRejectsMessageWhileChannelBusy(t *testing.T) {
	runner := &stubRunner{run: func(_ int, ctx context.Context, _ string, c *agent.Context, ctl agent.Control) (*agent.Outcome, error) {
		return blockUntilCancelled(ctx, c, ctl)
	}}
	h := newHarness(t, runner)
	h.start(t)

	first := h.submit(t, 7, 42, "long job")
	var running string
	waitFor(t, func() bool {
		id, ok := h.registry.GetExecutionID(7)
		running = id
		return ok
	})

	second := h.wait(t, h.submit(t, 7, 43, "another job").ID)
	if second.Status != StatusRejected || second.Result == nil {
		t.Fatalf("expected rejection, got %+v", second)
	}
	if second.Result.Code != execution.CodeAlreadyRunning || second.Result.ExecutionID != running {
		t.Fatalf("rejection should name the running execution: %+v", second.Result)
	}

	current, infos := h.service.ListExecutions(7)
	if current != running || len(infos) != 1 {
		t.Fatalf("unexpected executions %s %+v", current, infos)
	}

	acked, total := h.service.StopAndWait(context.Background(), 7, time.Second)
	if acked != 1 || total != 1 {
		t.Fatalf("expected 1/1 acknowledged, got %d/%d", acked, total)
	}
	done := h.wait(t, first.ID)
	if done.Status != StatusCancelled || done.Result.Code != agent.CodeCancelled {
		t.Fatalf("expected cancelled message, got %+v", done)
	}
	if len(h.alerts.stages()) != 0 {
		t.Fatalf("cancellation must not alert: %v", h.alerts.stages())
	}
}

func TestDispatcherRetriesRetryableFailureFromCheckpoint(t *testing.T) {
	h := &harness{}
	runner := &stubRunner{run: func(call int, ctx context.Context, key string, c *agent.Context, _ agent.Control) (*agent.Outcome, error) {
		if call == 0 {
			c.TotalIterations = 3
			if err := h.sessions.SaveContext(ctx, key, c); err != nil {
				t.Errorf("save checkpoint: %v", err)
			}
			return modelFailure(c)
		}
		if c.TotalIterations != 3 {
			t.Errorf("second attempt should resume from checkpoint, got %d iterations", c.TotalIterations)
		}
		return finishWith(c, "done on retry")
	}}
	*h = *newHarness(t, runner)
	h.start(t)

	msg := h.wait(t, h.submit(t, 1, 5, "flaky").ID)
	if msg.Status != StatusFinished || msg.Attempts != 2 || msg.Result.TotalIterations != 4 {
		t.Fatalf("unexpected message after retry %+v %+v", msg, msg.Result)
	}
	if got := h.alerts.stages(); !reflect.DeepEqual(got, []string{"retry"}) {
		t.Fatalf("expected one retry alert, got %v", got)
	}
}

func TestDispatcherFailsWhenAttemptsExhausted(t *testing.T) {
	runner := &stubRunner{run: func(_ int, _ context.Context, _ string, c *agent.Context, _ agent.Control) (*agent.Outcome, error) {
		return modelFailure(c)
	}}
	h := newHarness(t, runner, WithMaxAttempts(1))
	h.start(t)

	msg := h.wait(t, h.submit(t, 1, 5, "never works").ID)
	if msg.Status != StatusFailed || msg.Result.Code != agent.CodeModelClientError {
		t.Fatalf("unexpected message %+v", msg)
	}
	if len(runner.calls()) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(runner.calls()))
	}
	alerts := h.alerts.stages()
	if !reflect.DeepEqual(alerts, []string{"terminal"}) {
		t.Fatalf("expected terminal alert, got %v", alerts)
	}
}

func TestDispatcherKeepsPartialProgressOnFailure(t *testing.T) {
	runner := &stubRunner{run: func(_ int, _ context.Context, _ string, c *agent.Context, _ agent.Control) (*agent.Outcome, error) {
		steps := []agent.Call{
			&agent.SelectMode{Mode: agent.ModeExplore, Reasoning: "need to look around"},
			&agent.AddFinding{Content: "release notes are stale", Category: agent.CategoryOther, Relevance: agent.RelevanceHigh},
			&agent.AddNote{Note: "tag v2 after notes"},
			&agent.ReadyToPlan{Summary: "notes must be refreshed first"},
			&agent.CreateTask{ID: "A", Subject: "notes", Description: "refresh release notes"},
			&agent.ReadyToPerform{Confirmation: "go"},
			&agent.StartTask{TaskID: "A"},
			&agent.CompleteTask{TaskID: "A", Result: "notes updated"},
		}
		for _, call := range steps {
			if _, err := agent.Apply(c, call); err != nil {
				t.Errorf("apply %s: %v", call.Tool(), err)
			}
		}
		c.TotalIterations = 100
		err := xerrors.New(agent.CodeIterationLimitExceeded, "total iteration limit 100 reached")
		return &agent.Outcome{Status: agent.OutcomeFailed, Code: err.Code(), Reason: err.Message(), Context: c.Clone()}, err
	}}
	h := newHarness(t, runner)
	h.start(t)

	msg := h.wait(t, h.submit(t, 1, 5, "ship v2").ID)
	if msg.Status != StatusFailed || msg.Result.Code != agent.CodeIterationLimitExceeded {
		t.Fatalf("unexpected message %+v", msg)
	}
	snap := msg.Result.Snapshot
	if snap == nil {
		t.Fatalf("failed result must carry the last context")
	}
	if len(snap.Findings) != 1 || len(snap.ExplorationNotes) != 1 || len(snap.Scratchpad) != 1 || snap.TotalIterations != 100 {
		t.Fatalf("partial progress lost: %+v", snap)
	}
	if done, ok := snap.Tasks.Get("A"); !ok || done.Result != "notes updated" {
		t.Fatalf("completed task lost: %+v", done)
	}
}

func TestDispatcherStartsFreshContextForNewRequest(t *testing.T) {
	runner := &stubRunner{run: func(_ int, _ context.Context, _ string, c *agent.Context, _ agent.Control) (*agent.Outcome, error) {
		if c.TotalIterations != 0 || c.OriginalRequest != "new request" {
			t.Errorf("stale checkpoint reused: %+v", c)
		}
		return finishWith(c, "ok")
	}}
	h := newHarness(t, runner)
	stale := agent.NewContext("old request")
	stale.TotalIterations = 9
	if err := h.sessions.SaveContext(context.Background(), session.Key(5), stale); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	h.start(t)

	if msg := h.wait(t, h.submit(t, 1, 5, "new request").ID); msg.Status != StatusFinished {
		t.Fatalf("unexpected status %s", msg.Status)
	}
}

func TestServiceSubagentsAndTaskDeletion(t *testing.T) {
	runner := &stubRunner{run: func(_ int, ctx context.Context, _ string, c *agent.Context, ctl agent.Control) (*agent.Outcome, error) {
		return blockUntilCancelled(ctx, c, ctl)
	}}
	h := newHarness(t, runner)
	h.start(t)

	info, err := h.service.SpawnSubagent(42, 7, "research", "look into flaky tests")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if info.Kind != execution.KindSubagent || info.ParentSessionID != 42 || info.Label != "research" {
		t.Fatalf("unexpected subagent info %+v", info)
	}
	if _, err := h.service.SpawnSubagent(42, 7, "empty", " "); err == nil {
		t.Fatalf("blank subagent task must be rejected")
	}

	parent := int64(42)
	other := int64(99)
	if got := h.service.ListSubagents(7, &parent); len(got) != 1 || got[0].ExecutionID != info.ExecutionID {
		t.Fatalf("unexpected subagents %+v", got)
	}
	if got := h.service.ListSubagents(7, &other); len(got) != 0 {
		t.Fatalf("filter by session ignored: %+v", got)
	}

	h.submit(t, 7, 42, "parent work")
	waitFor(t, func() bool {
		_, ok := h.registry.ForSession(42)
		return ok
	})
	if err := h.service.DeleteTask(42, "A"); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if err := h.service.DeleteTask(404, "A"); !errors.Is(err, execution.ErrExecutionNotFound) {
		t.Fatalf("expected execution not found, got %v", err)
	}
	handle, _ := h.registry.ForSession(42)
	if drained := handle.DrainTaskDeletions(); !reflect.DeepEqual(drained, []string{"A"}) {
		t.Fatalf("deletion not queued on the handle: %v", drained)
	}

	if n := h.service.StopSubagents(7); n != 1 {
		t.Fatalf("expected one subagent cancelled, got %d", n)
	}
	h.dispatcher.Wait()
	if got := h.service.ListSubagents(7, nil); len(got) != 0 {
		t.Fatalf("subagent should have left the registry: %+v", got)
	}
	if _, ok := h.registry.ForSession(42); !ok {
		t.Fatalf("stopping subagents must not cancel the parent execution")
	}
	for _, key := range runner.calls() {
		if strings.HasPrefix(key, "subagent:") && key != session.SubagentKey(info.ExecutionID) {
			t.Fatalf("unexpected subagent key %s", key)
		}
	}
	if err := h.service.Cancel("missing"); !errors.Is(err, execution.ErrExecutionNotFound) {
		t.Fatalf("expected not found for unknown execution, got %v", err)
	}
}

func TestServiceSessionStatus(t *testing.T) {
	h := newHarness(t, &stubRunner{})
	c := agent.NewContext("plan a trip")
	if _, err := agent.Apply(c, &agent.SelectMode{Mode: agent.ModePlan, Reasoning: "clear"}); err != nil {
		t.Fatalf("select mode: %v", err)
	}
	if _, err := agent.Apply(c, &agent.CreateTask{ID: "A", Subject: "book", Description: "book flights"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	c.TotalIterations = 2
	if err := h.sessions.SaveContext(context.Background(), session.Key(8), c); err != nil {
		t.Fatalf("save: %v", err)
	}

	status, err := h.service.SessionStatus(context.Background(), 8)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Mode != agent.ModePlan || status.TotalIterations != 2 || status.Stats.Total != 1 || status.Running {
		t.Fatalf("unexpected status %+v", status)
	}
	if len(status.Tasks) != 1 || status.Tasks[0].ID != "A" || len(status.Transitions) != 1 {
		t.Fatalf("unexpected plan in status %+v", status)
	}
	if _, err := h.service.SessionStatus(context.Background(), 9); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestServiceSubmitValidationAndIdempotency(t *testing.T) {
	h := newHarness(t, &stubRunner{})
	ctx := context.Background()

	if _, err := h.service.Submit(ctx, SubmitRequest{ChannelID: 1, SessionID: 1, Text: "  "}); !xerrors.HasCode(err, CodeMessageValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := h.service.Submit(ctx, SubmitRequest{SessionID: 1, Text: "x"}); !xerrors.HasCode(err, CodeMessageValidation) {
		t.Fatalf("expected validation error for missing channel, got %v", err)
	}

	first, err := h.service.Submit(ctx, SubmitRequest{ID: "fixed", ChannelID: 1, SessionID: 1, Text: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := h.service.Submit(ctx, SubmitRequest{ID: "fixed", ChannelID: 1, SessionID: 1, Text: "x"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.ID != second.ID || h.queue.Len() != 1 {
		t.Fatalf("resubmitting the same id must not enqueue twice (queue=%d)", h.queue.Len())
	}
	if first.Status != StatusQueued || first.MaxAttempts != 2 {
		t.Fatalf("unexpected submitted message %+v", first)
	}
}

func TestDispatcherRecoverRequeuesUnfinishedMessages(t *testing.T) {
	h := newHarness(t, &stubRunner{})
	ctx := context.Background()
	seed := []*Message{
		{ID: "running", ChannelID: 1, SessionID: 1, Text: "a", Status: StatusRunning, Attempts: 1, MaxAttempts: 2},
		{ID: "queued", ChannelID: 2, SessionID: 2, Text: "b", Status: StatusQueued, MaxAttempts: 2},
		{ID: "done", ChannelID: 3, SessionID: 3, Text: "c", Status: StatusFinished, Attempts: 1, MaxAttempts: 2},
	}
	for _, msg := range seed {
		if err := h.store.Create(ctx, msg); err != nil {
			t.Fatalf("seed %s: %v", msg.ID, err)
		}
	}

	published, err := h.dispatcher.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if published != 2 || h.queue.Len() != 2 {
		t.Fatalf("expected 2 messages republished, got %d (queue=%d)", published, h.queue.Len())
	}
	msg, _ := h.store.Get(ctx, "running")
	if msg.Status != StatusQueued || msg.Attempts != 1 {
		t.Fatalf("running message should be back in queue: %+v", msg)
	}
}
