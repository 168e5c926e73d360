package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/aristath/taskengine/internal/engine"
	"github.com/aristath/taskengine/internal/scheduler"
)

// Handler executes one attempt of a task.
type Handler interface {
	Handle(ctx context.Context, a engine.Assignment) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, a engine.Assignment) error

func (f HandlerFunc) Handle(ctx context.Context, a engine.Assignment) error { return f(ctx, a) }

// HandlerConfig tunes the built-in handlers.
type HandlerConfig struct {
	SimulationScale float64      // Multiplier on simulated durations; 0 finishes instantly
	HTTPClient      *http.Client // Used by webhook_trigger (default 10s timeout)
}

// simulatedDurations is how long each task type pretends to work.
var simulatedDurations = map[scheduler.TaskType]time.Duration{
	scheduler.TypeSendEmail:        2 * time.Second,
	scheduler.TypeProcessVideo:     3 * time.Second,
	scheduler.TypeGenerateReport:   2 * time.Second,
	scheduler.TypeDataBackup:       3 * time.Second,
	scheduler.TypeImageProcessing:  2 * time.Second,
	scheduler.TypeSendNotification: 1 * time.Second,
	scheduler.TypeRunMLModel:       4 * time.Second,
	scheduler.TypeWebhookTrigger:   1 * time.Second,
}

// New creates the handler for a task type.
func New(taskType scheduler.TaskType, cfg HandlerConfig) (Handler, error) {
	switch taskType {
	case scheduler.TypeWebhookTrigger:
		client := cfg.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: 10 * time.Second}
		}
		return &webhookHandler{client: client, fallback: simulate(taskType, cfg.SimulationScale)}, nil
	default:
		if _, ok := simulatedDurations[taskType]; !ok {
			return nil, fmt.Errorf("unknown task type: %s", taskType)
		}
		return simulate(taskType, cfg.SimulationScale), nil
	}
}

// Handlers returns a handler for every known task type.
func Handlers(cfg HandlerConfig) map[scheduler.TaskType]Handler {
	handlers := make(map[scheduler.TaskType]Handler, len(scheduler.TaskTypes))
	for _, t := range scheduler.TaskTypes {
		h, err := New(t, cfg)
		if err != nil {
			log.Printf("WARNING: no handler for task type %q: %v", t, err)
			continue
		}
		handlers[t] = h
	}
	return handlers
}

// simulate returns a handler that sleeps for the type's duration. A
// truthy data.simulate_failure makes the attempt fail.
func simulate(taskType scheduler.TaskType, scale float64) Handler {
	d := time.Duration(float64(simulatedDurations[taskType]) * scale)

	return HandlerFunc(func(ctx context.Context, a engine.Assignment) error {
		log.Printf("Worker %s: executing task %d (%s)%s", a.WorkerID, a.TaskID, a.Type, describe(a))

		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if fail, _ := a.Data["simulate_failure"].(bool); fail {
			return fmt.Errorf("simulated failure of %s task", a.Type)
		}
		return nil
	})
}

// describe names the payload field the type is usually about.
func describe(a engine.Assignment) string {
	for _, key := range []string{"to", "file", "video_id", "report", "url"} {
		if v, ok := a.Data[key]; ok {
			return fmt.Sprintf(" %s=%v", key, v)
		}
	}
	return ""
}

type webhookHandler struct {
	client   *http.Client
	fallback Handler
}

// Handle POSTs the task data to data.url. Without a url it simulates work.
func (h *webhookHandler) Handle(ctx context.Context, a engine.Assignment) error {
	url, _ := a.Data["url"].(string)
	if url == "" {
		return h.fallback.Handle(ctx, a)
	}

	body, err := json.Marshal(map[string]any{
		"task_id": a.TaskID,
		"attempt": a.Attempt,
		"data":    a.Data,
	})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling webhook %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %s", url, resp.Status)
	}
	return nil
}
