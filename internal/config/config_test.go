package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8081" || cfg.MQTTAddr != ":1883" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SchedulerTick != time.Minute {
		t.Fatalf("scheduler tick = %v", cfg.SchedulerTick)
	}
}

func TestLoadMissingFileIsFine(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "http_addr: \":9090\"\nlog_level: debug\nscheduler_tick: 30s\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HTTP_ADDR", ":7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("env override lost: %s", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("file value lost: %s", cfg.LogLevel)
	}
	if cfg.SchedulerTick != 30*time.Second {
		t.Fatalf("scheduler tick = %v", cfg.SchedulerTick)
	}
}

func TestLoadRejectsBadDurations(t *testing.T) {
	t.Setenv("SCHEDULER_TICK", "often")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}
