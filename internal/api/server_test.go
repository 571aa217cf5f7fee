package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"stark-backend/internal/agent"
	"stark-backend/internal/auth"
	"stark-backend/internal/dispatch"
	"stark-backend/internal/execution"
	"stark-backend/internal/session"
)

type idleRunner struct{}

func (idleRunner) Run(ctx context.Context, _ string, c *agent.Context, ctl agent.Control) (*agent.Outcome, error) {
	select {
	case <-ctl.Done():
	case <-ctx.Done():
	}
	return &agent.Outcome{Status: agent.OutcomeCancelled, Code: agent.CodeCancelled, Context: c}, agent.ErrCancelled
}

type fixture struct {
	server   http.Handler
	store    *dispatch.MemoryStore
	queue    *dispatch.MemoryQueue
	registry *execution.Registry
	sessions *session.MemoryStore
	dispatch *dispatch.Dispatcher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    dispatch.NewMemoryStore(),
		queue:    dispatch.NewMemoryQueue(8),
		registry: execution.NewRegistry(),
		sessions: session.NewMemoryStore(),
	}
	f.dispatch = dispatch.NewDispatcher(idleRunner{}, f.registry, f.sessions, f.store, f.queue, f.queue)
	svc := dispatch.NewService(f.store, f.queue, f.dispatch)
	f.server = NewServer(":0", svc, opts...).Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSubmitAndFetchMessage(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/messages", `{"channel_id": 7, "session_id": 42, "user_name": "ada", "text": "ship it"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	msg := decode[dispatch.Message](t, rec)
	if msg.ID == "" || msg.Status != dispatch.StatusQueued || f.queue.Len() != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/messages/"+msg.ID, "")
	if rec.Code != http.StatusOK || decode[dispatch.Message](t, rec).Text != "ship it" {
		t.Fatalf("unexpected detail response %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/v1/messages?channel_id=7&status=queued", "")
	list := decode[struct {
		Messages []dispatch.Message `json:"messages"`
	}](t, rec)
	if len(list.Messages) != 1 {
		t.Fatalf("unexpected list %+v", list)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/messages/missing", "")
	if rec.Code != http.StatusNotFound || decode[errorResponse](t, rec).Code != dispatch.CodeMessageNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitRejectsInvalidBody(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodPost, "/api/v1/messages", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/messages", `{"channel_id": 1, "session_id": 1, "text": ""}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty text, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/sessions/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric session id, got %d", rec.Code)
	}
}

func TestSessionStatusAndTaskDeletion(t *testing.T) {
	f := newFixture(t)
	c := agent.NewContext("plan")
	c.TotalIterations = 3
	if err := f.sessions.SaveContext(context.Background(), session.Key(42), c); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/sessions/42", "")
	status := decode[dispatch.SessionStatus](t, rec)
	if rec.Code != http.StatusOK || status.TotalIterations != 3 || status.Mode != agent.ModeInitializer {
		t.Fatalf("unexpected status %d %+v", rec.Code, status)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/sessions/43", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}

	if rec := f.do(t, http.MethodDelete, "/api/v1/sessions/42/tasks/A", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without running execution, got %d", rec.Code)
	}
	h, err := f.registry.Start(7, 42)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/sessions/42/tasks/A", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if got := h.DrainTaskDeletions(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("deletion not queued: %v", got)
	}
}

func TestChannelControls(t *testing.T) {
	f := newFixture(t)
	top, err := f.registry.Start(7, 42)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	sub := f.registry.RegisterSubagent(42, 7, "research", "dig")

	rec := f.do(t, http.MethodGet, "/api/v1/channels/7/executions", "")
	executions := decode[struct {
		Current    string           `json:"current_execution_id"`
		Executions []execution.Info `json:"executions"`
	}](t, rec)
	if executions.Current != top.ExecutionID || len(executions.Executions) != 2 {
		t.Fatalf("unexpected executions %+v", executions)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/channels/7/subagents?session_id=42", "")
	subagents := decode[struct {
		Subagents []execution.Info `json:"subagents"`
	}](t, rec)
	if len(subagents.Subagents) != 1 || subagents.Subagents[0].ExecutionID != sub.ExecutionID {
		t.Fatalf("unexpected subagents %+v", subagents)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/channels/7/subagents/stop", "")
	if got := decode[map[string]int](t, rec)["cancelled"]; got != 1 || !sub.Cancelled() || top.Cancelled() {
		t.Fatalf("subagent stop should only cancel subagents (cancelled=%d)", got)
	}

	go func() {
		<-top.Done()
		_ = f.registry.Finish(top.ExecutionID, execution.StatusFailed, "cancelled")
		_ = f.registry.Finish(sub.ExecutionID, execution.StatusFailed, "cancelled")
	}()
	rec = f.do(t, http.MethodPost, "/api/v1/channels/7/stop?wait=2s", "")
	result := decode[map[string]int](t, rec)
	if rec.Code != http.StatusOK || result["acknowledged"] != result["cancelled"] || result["cancelled"] < 1 {
		t.Fatalf("unexpected stop-and-wait result %d %v", rec.Code, result)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/channels/7/stop?wait=soon", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad wait, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/executions/missing/cancel", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown execution, got %d", rec.Code)
	}
}

func TestSpawnSubagentEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/subagents", `{"parent_session_id": 42, "channel_id": 7, "label": "docs", "task": "write docs"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	info := decode[execution.Info](t, rec)
	if info.Kind != execution.KindSubagent || info.Label != "docs" {
		t.Fatalf("unexpected info %+v", info)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/executions/"+info.ExecutionID+"/cancel", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel failed %d: %s", rec.Code, rec.Body.String())
	}
	f.dispatch.Wait()
	if got := f.registry.ListSubagents(7, nil); len(got) != 0 {
		t.Fatalf("subagent still registered: %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/healthz", "")
	rec := f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "stark_http_requests_total") {
		t.Fatalf("metrics not exposed: %d", rec.Code)
	}
}

func TestAuthMiddlewareGuardsRoutes(t *testing.T) {
	authn, err := auth.NewService(auth.Config{
		Mode:   auth.ModeToken,
		Tokens: []auth.Token{{Name: "viewer", Secret: "s3cret", Permissions: []string{auth.PermissionRead}}},
	})
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	f := newFixture(t, WithMiddleware(authn.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet: {auth.PermissionRead},
			"*":            {auth.PermissionWrite},
		},
		PublicPaths: []string{"/healthz"},
	})))

	if rec := f.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz should stay public, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/messages", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("viewer should list messages, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/channels/7/stop", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("viewer must not stop channels, got %d", rec.Code)
	}
}
