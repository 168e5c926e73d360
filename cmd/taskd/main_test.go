package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/taskengine/internal/config"
	"github.com/aristath/taskengine/internal/scheduler"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags(nil, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if opts.configPath != config.ProjectPath || opts.localWorkers != -1 || opts.tui {
		t.Errorf("unexpected defaults %+v", opts)
	}

	opts, err = parseFlags([]string{"-addr", ":6000", "-db", "none", "-local-workers", "0", "-tui"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if opts.addr != ":6000" || opts.dbPath != "none" || opts.localWorkers != 0 || !opts.tui {
		t.Errorf("unexpected options %+v", opts)
	}

	if _, err := parseFlags([]string{"-bogus"}, io.Discard); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestLoadConfigAppliesFlags(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	project := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(project, []byte(`{"server":{"addr":":7000"},"workers":{"local":5}}`), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		opts      options
		wantAddr  string
		wantPath  string
		wantLocal int
	}{
		{"file values", options{configPath: project, localWorkers: -1}, ":7000", ".taskengine/tasks.db", 5},
		{"flags win", options{configPath: project, addr: ":8000", dbPath: "x.db", localWorkers: 0}, ":8000", "x.db", 0},
		{"memory only", options{configPath: project, dbPath: "none", localWorkers: -1}, ":7000", "", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _, err := loadConfig(tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if cfg.Server.Addr != tt.wantAddr || cfg.Storage.Path != tt.wantPath || cfg.Workers.Local != tt.wantLocal {
				t.Errorf("got addr=%q path=%q local=%d", cfg.Server.Addr, cfg.Storage.Path, cfg.Workers.Local)
			}
		})
	}

	if err := os.WriteFile(project, []byte(`{"engine":{"heartbeat_timeout":"1s"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := loadConfig(options{configPath: project, localWorkers: -1}); err == nil {
		t.Error("expected heartbeat interval above timeout to be rejected")
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Engine.TaskTimeout = config.Duration(time.Minute)
	ec := engineConfig(cfg)

	if ec.HeartbeatTimeout != 10*time.Second || ec.TickInterval != 250*time.Millisecond || ec.TaskTimeout != time.Minute {
		t.Errorf("unexpected timings %+v", ec)
	}
	if ec.DefaultMaxRetries != 3 || ec.MaxRetriesLimit != 10 {
		t.Errorf("unexpected retry limits %+v", ec)
	}
	if ec.Retry.InitialInterval != time.Second || ec.Retry.MaxInterval != time.Minute || ec.Retry.Multiplier != 2.0 || ec.Retry.RandomizationFactor != 0.2 {
		t.Errorf("unexpected retry policy %+v", ec.Retry)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ClaimWait = config.Duration(100 * time.Millisecond)
	cfg.Engine.TickInterval = config.Duration(10 * time.Millisecond)
	cfg.Retry.InitialInterval = 0
	cfg.Storage.Path = filepath.Join(t.TempDir(), "tasks.db")
	cfg.Workers.Local = 2
	cfg.Workers.SimulationScale = 0
	return cfg
}

func TestDaemonRunsTasksAndRestores(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"type":"send_email","data":{"to":"ops@example.com"}}`))
	req.Header.Set("Content-Type", "application/json")
	d.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body)
	}

	runCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() { errc <- d.Run(runCtx, nil) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		task, _ := d.engine.Get(1)
		if task.Status == scheduler.TaskCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task not completed: %+v", task)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	d.Close()

	// A fresh daemon over the same database sees the finished task and its workers
	restored, err := newDaemon(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Close()

	task, err := restored.engine.Get(1)
	if err != nil || task.Status != scheduler.TaskCompleted {
		t.Fatalf("expected restored completed task, got %+v (%v)", task, err)
	}
	history, _ := restored.engine.History(1)
	if len(history) != 3 {
		t.Errorf("expected submit, start, complete in history, got %d entries", len(history))
	}
	if workers := restored.engine.Workers(); len(workers) != 2 {
		t.Errorf("expected 2 restored workers, got %d", len(workers))
	}
}

func TestDaemonStopsWhenMonitorQuits(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers.Local = 0
	d, err := newDaemon(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- d.Run(context.Background(), func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		})
	}()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("expected clean stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon kept running after the monitor quit")
	}
}

type recordingCache struct {
	mu   sync.Mutex
	puts []scheduler.Task
}

func (c *recordingCache) Get(ctx context.Context, id int64) (scheduler.Task, bool, error) {
	return scheduler.Task{}, false, nil
}

func (c *recordingCache) Put(ctx context.Context, task scheduler.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts = append(c.puts, task)
	return nil
}

func TestWriteThroughOnCommit(t *testing.T) {
	c := &recordingCache{}
	store := scheduler.NewStore(nil)
	store.OnCommit(writeThrough(c))

	ctx := context.Background()
	now := time.Now()
	task, err := store.Submit(ctx, scheduler.TaskSpec{Type: scheduler.TypeSendEmail, MaxRetries: 1}, now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(ctx, task.ID, scheduler.Event{Kind: scheduler.EventStart, WorkerID: "w1", At: now}); err != nil {
		t.Fatal(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.puts) != 2 {
		t.Fatalf("expected a cache write per commit, got %d", len(c.puts))
	}
	if got := c.puts[1]; got.Status != scheduler.TaskRunning || got.Version != 2 {
		t.Errorf("expected running snapshot at version 2, got %s v%d", got.Status, got.Version)
	}
}
