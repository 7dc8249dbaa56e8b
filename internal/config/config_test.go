package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	content := []byte(`
server:
  address: ":9090"
scheduler:
  heartbeat_timeout: 45s
  max_retries: 5
queue:
  driver: redis
  redis:
    address: "127.0.0.1:6379"
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Scheduler.HeartbeatTimeout != 45*time.Second {
		t.Fatalf("unexpected heartbeat timeout: %s", cfg.Scheduler.HeartbeatTimeout)
	}
	if cfg.Scheduler.MaxRetries != 5 {
		t.Fatalf("unexpected retries: %d", cfg.Scheduler.MaxRetries)
	}
	if cfg.Scheduler.JobTimeout != 5*time.Minute {
		t.Fatalf("job timeout default not applied: %s", cfg.Scheduler.JobTimeout)
	}
	if cfg.Queue.Redis.Queue != "fleet:events" {
		t.Fatalf("redis queue default not applied: %s", cfg.Queue.Redis.Queue)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if cfg.Queue.Driver != "memory" || cfg.Archive.Driver != "memory" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"queue driver":  "queue:\n  driver: kafka\n",
		"negative":      "scheduler:\n  job_timeout: -1s\n",
		"mysql w/o dsn": "archive:\n  driver: mysql\n",
		"floor":         "registry:\n  reputation_floor: 2\n",
	}
	for name, content := range cases {
		if _, err := Parse([]byte(content)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestParseAcceptsJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"server": {"address": ":7070"}, "notify": {"driver": "queue"}}`))
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if cfg.Server.Address != ":7070" || cfg.Notify.Driver != "queue" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
