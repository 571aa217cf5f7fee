package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"stark-backend/internal/llm"
)

func TestGenerateToolCallsWithObjectArguments(t *testing.T) {
	var body chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"","tool_calls":[
			{"function":{"name":"add_note","arguments":{"note":"remember"}}}
		]}}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Model: "qwen"})
	resp, err := client.Generate(context.Background(), llm.Request{
		System:   "sys",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Tools:    []llm.ToolSpec{{Name: "add_note"}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "ollama-0" {
		t.Fatalf("unexpected calls: %+v", resp.ToolCalls)
	}
	var args map[string]string
	if err := json.Unmarshal(resp.ToolCalls[0].Arguments, &args); err != nil || args["note"] != "remember" {
		t.Fatalf("unexpected arguments %s (%v)", resp.ToolCalls[0].Arguments, err)
	}
	if body.Stream || body.Model != "qwen" || len(body.Messages) != 2 || len(body.Tools) != 1 {
		t.Fatalf("unexpected request body: %+v", body)
	}
}

func TestGenerateSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer srv.Close()

	if _, err := NewClient(Config{BaseURL: srv.URL}).Generate(context.Background(), llm.Request{}); err == nil {
		t.Fatalf("expected error payload to fail the call")
	}
}
