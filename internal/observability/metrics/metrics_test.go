package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRecordedMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/v1/messages", "POST", 202, 30*time.Millisecond)
	ObserveHTTPRequest("/api/v1/messages", "POST", 500, 10*time.Millisecond)
	ObserveIteration("plan")
	ObserveToolCall("plan", "create_task", "ok")
	ObserveModelCall(time.Second, errors.New("boom"))
	ObserveOutcome("execution", "finished")
	ExecutionStarted("subagent")
	ObserveCancellation("subagent")

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`stark_http_requests_total{code="202",handler="/api/v1/messages",method="POST"} 1`,
		`stark_http_request_errors_total{handler="/api/v1/messages",method="POST"} 1`,
		`stark_loop_iterations_total{mode="plan"}`,
		`stark_tool_calls_total{mode="plan",result="ok",tool="create_task"}`,
		`stark_model_call_duration_seconds_count{result="error"}`,
		`stark_active_executions{kind="subagent"}`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
