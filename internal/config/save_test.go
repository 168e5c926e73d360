package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file was not created: %v", err)
	}
}

func TestSaveWritesDurationStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("config file contains invalid JSON: %v", err)
	}
	if got := raw["engine"]["heartbeat_timeout"]; got != "10s" {
		t.Errorf("expected heartbeat_timeout \"10s\", got %v", got)
	}
	if got := raw["server"]["claim_wait"]; got != "25s" {
		t.Errorf("expected claim_wait \"25s\", got %v", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Server.Addr = ":8080"
	cfg.Engine.TaskTimeout = Duration(90 * time.Second)
	cfg.Redis.Addr = "cache:6379"
	cfg.Workers.SimulationScale = 0.5

	if err := Save(cfg, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *loaded != *cfg {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", *loaded, *cfg)
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	first := DefaultConfig()
	first.Server.Addr = ":1111"
	if err := Save(first, path); err != nil {
		t.Fatal(err)
	}
	second := DefaultConfig()
	second.Server.Addr = ":2222"
	if err := Save(second, path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Addr != ":2222" {
		t.Errorf("expected overwritten addr :2222, got %q", loaded.Server.Addr)
	}
}
