package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quiche.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "server:\n  port: 9090\n"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Scheduler.MaxSessions != 3 {
		t.Errorf("max_sessions = %d, want 3", cfg.Scheduler.MaxSessions)
	}
	if cfg.Scheduler.RunTimeout != 300*time.Second {
		t.Errorf("run_timeout = %v, want 5m", cfg.Scheduler.RunTimeout)
	}
	if cfg.Relay.MaxMessages != 15 || cfg.Relay.MaxMessageSize != 1800 {
		t.Errorf("relay = %+v", cfg.Relay)
	}
	if cfg.Sandbox.PidsLimit != 128 || cfg.Sandbox.Memory != "512m" {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	t.Setenv("TEST_REDIS_PW", "hunter2")
	cfg, err := LoadFile(writeConfig(t, `
scheduler:
  run_timeout: 45s
  max_sessions: 1
ratelimit:
  backend: redis
  redis:
    password: ${TEST_REDIS_PW}
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.RunTimeout != 45*time.Second {
		t.Errorf("run_timeout = %v, want 45s", cfg.Scheduler.RunTimeout)
	}
	if cfg.Scheduler.MaxSessions != 1 {
		t.Errorf("max_sessions = %d, want 1", cfg.Scheduler.MaxSessions)
	}
	if cfg.RateLimit.Redis.Password != "hunter2" {
		t.Errorf("redis password = %q, want expanded env", cfg.RateLimit.Redis.Password)
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	_, err := LoadFile(writeConfig(t, "scheduler:\n  max_sessions: 0\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}

	_, err = LoadFile(writeConfig(t, "ratelimit:\n  backend: memcached\n"))
	if err == nil {
		t.Fatal("expected unknown backend error")
	}
}
