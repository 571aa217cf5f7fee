package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type failingNotifier struct{ calls int }

func (f *failingNotifier) Channel() Channel { return ChannelWebhook }
func (f *failingNotifier) Notify(context.Context, Event) error {
	f.calls++
	return errors.New("down")
}

func sampleEvent() Event {
	return Event{
		Code:            "ITERATION_LIMIT_EXCEEDED",
		Message:         "total iteration limit 100 reached",
		Severity:        "warning",
		ExecutionID:     "exec-1",
		Kind:            "execution",
		ChannelID:       5,
		SessionID:       9,
		TotalIterations: 100,
		Metadata:        map[string]string{"mode": "perform"},
		OccurredAt:      time.Unix(1700000000, 0),
	}
}

func TestFanoutContinuesAfterFailure(t *testing.T) {
	first := &failingNotifier{}
	second := &failingNotifier{}
	err := NewFanout(first, nil, second).Notify(context.Background(), sampleEvent())
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("every notifier should be called")
	}
}

func TestWebhookFormats(t *testing.T) {
	cases := []struct {
		format Channel
		check  func(t *testing.T, body map[string]any)
	}{
		{ChannelSlack, func(t *testing.T, body map[string]any) {
			if text, _ := body["text"].(string); !strings.Contains(text, "exec-1") || !strings.Contains(text, "mode: perform") {
				t.Fatalf("unexpected slack text: %v", body)
			}
		}},
		{ChannelDingTalk, func(t *testing.T, body map[string]any) {
			if body["msgtype"] != "text" {
				t.Fatalf("unexpected dingtalk payload: %v", body)
			}
		}},
		{"", func(t *testing.T, body map[string]any) {
			if body["execution_id"] != "exec-1" || body["code"] != "ITERATION_LIMIT_EXCEEDED" {
				t.Fatalf("unexpected json payload: %v", body)
			}
		}},
	}
	for _, tc := range cases {
		t.Run(string(tc.format), func(t *testing.T) {
			var body map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					t.Errorf("decode body: %v", err)
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer srv.Close()

			n := &WebhookNotifier{URL: srv.URL, Format: tc.format, Client: srv.Client()}
			if err := n.Notify(context.Background(), sampleEvent()); err != nil {
				t.Fatalf("notify: %v", err)
			}
			tc.check(t, body)
		})
	}
}

func TestWebhookReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	if err := n.Notify(context.Background(), sampleEvent()); err == nil {
		t.Fatalf("expected error on 502")
	}
	if err := (&WebhookNotifier{}).Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("unconfigured webhook should be skipped: %v", err)
	}
	if err := (LogNotifier{}).Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("log notifier: %v", err)
	}
}
