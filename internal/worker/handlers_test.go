package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aristath/taskengine/internal/engine"
	"github.com/aristath/taskengine/internal/scheduler"
)

func TestNewKnowsEveryTaskType(t *testing.T) {
	for _, taskType := range scheduler.TaskTypes {
		if _, err := New(taskType, HandlerConfig{}); err != nil {
			t.Errorf("New(%q) failed: %v", taskType, err)
		}
	}
	if _, err := New("mine_bitcoin", HandlerConfig{}); err == nil {
		t.Error("expected error for unknown task type")
	}
	if got := len(Handlers(HandlerConfig{})); got != len(scheduler.TaskTypes) {
		t.Errorf("Handlers() returned %d handlers, want %d", got, len(scheduler.TaskTypes))
	}
}

func TestSimulatedHandler(t *testing.T) {
	tests := []struct {
		name    string
		data    map[string]any
		wantErr string
	}{
		{name: "succeeds", data: map[string]any{"to": "a@example.com"}},
		{name: "simulated failure", data: map[string]any{"simulate_failure": true}, wantErr: "simulated failure of send_email task"},
		{name: "non-bool flag ignored", data: map[string]any{"simulate_failure": "yes"}},
	}

	h, err := New(scheduler.TypeSendEmail, HandlerConfig{SimulationScale: 0})
	if err != nil {
		t.Fatal(err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Handle(context.Background(), engine.Assignment{TaskID: 1, Type: scheduler.TypeSendEmail, Data: tt.data})
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("expected %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSimulatedHandlerHonorsCancellation(t *testing.T) {
	h, _ := New(scheduler.TypeRunMLModel, HandlerConfig{SimulationScale: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := h.Handle(ctx, engine.Assignment{Type: scheduler.TypeRunMLModel})
	if err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("handler kept running after cancellation")
	}
}

func TestWebhookHandler(t *testing.T) {
	var got struct {
		TaskID  int64          `json:"task_id"`
		Attempt int            `json:"attempt"`
		Data    map[string]any `json:"data"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		if strings.HasSuffix(r.URL.Path, "/broken") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h, err := New(scheduler.TypeWebhookTrigger, HandlerConfig{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}

	a := engine.Assignment{TaskID: 7, Attempt: 1, Type: scheduler.TypeWebhookTrigger, Data: map[string]any{"url": srv.URL + "/hook", "event": "deploy"}}
	if err := h.Handle(context.Background(), a); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if got.TaskID != 7 || got.Attempt != 1 || got.Data["event"] != "deploy" {
		t.Errorf("unexpected payload %+v", got)
	}

	a.Data["url"] = srv.URL + "/broken"
	if err := h.Handle(context.Background(), a); err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("expected 502 error, got %v", err)
	}

	// Without a url the webhook is simulated
	if err := h.Handle(context.Background(), engine.Assignment{Type: scheduler.TypeWebhookTrigger, Data: map[string]any{}}); err != nil {
		t.Errorf("expected simulated webhook to succeed, got %v", err)
	}
}
