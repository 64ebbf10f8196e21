package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestQueueConfigApplyDefaults(t *testing.T) {
	var q QueueConfig
	q.ApplyDefaults()

	if q.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected 30s heartbeat interval, got %v", q.HeartbeatInterval)
	}
	if q.LockTimeout != 5*time.Minute {
		t.Errorf("expected 5m lock timeout, got %v", q.LockTimeout)
	}
	if q.InterCallDelay != 2*time.Second {
		t.Errorf("expected 2s inter-call delay, got %v", q.InterCallDelay)
	}
	if q.SweepInterval != time.Minute {
		t.Errorf("expected 1m sweep interval, got %v", q.SweepInterval)
	}
	if q.DefaultMaxConcurrent != 1 {
		t.Errorf("expected default max concurrency 1, got %d", q.DefaultMaxConcurrent)
	}
	if q.HeartbeatInterval >= q.LockTimeout {
		t.Error("heartbeat interval must stay below the lock timeout")
	}
}

func TestQueueConfigApplyDefaultsKeepsExplicitValues(t *testing.T) {
	q := QueueConfig{
		HeartbeatInterval: 10 * time.Second,
		LockTimeout:       2 * time.Minute,
	}
	q.ApplyDefaults()

	if q.HeartbeatInterval != 10*time.Second {
		t.Errorf("explicit heartbeat interval overwritten: %v", q.HeartbeatInterval)
	}
	if q.LockTimeout != 2*time.Minute {
		t.Errorf("explicit lock timeout overwritten: %v", q.LockTimeout)
	}
}

func TestQueueConfigValidate(t *testing.T) {
	q := QueueConfig{HeartbeatInterval: 30 * time.Second, LockTimeout: 5 * time.Minute}
	if err := q.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	q = QueueConfig{HeartbeatInterval: 5 * time.Minute, LockTimeout: 5 * time.Minute}
	if err := q.Validate(); err == nil {
		t.Fatal("expected error when heartbeat interval reaches the lock timeout")
	}

	q = QueueConfig{HeartbeatInterval: 10 * time.Minute, LockTimeout: 5 * time.Minute}
	if err := q.Validate(); err == nil {
		t.Fatal("expected error when heartbeat interval exceeds the lock timeout")
	}
}

func TestWorkerConfigTenantIDs(t *testing.T) {
	w := WorkerConfig{Tenants: []string{
		"7f0e2d8a-4c1b-4f6e-9a3d-1b2c3d4e5f60",
		"0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9",
	}}

	ids, err := w.TenantIDs()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 tenant ids, got %d", len(ids))
	}
	if ids[0].String() != w.Tenants[0] {
		t.Fatalf("expected %s, got %s", w.Tenants[0], ids[0])
	}
}

func TestWorkerConfigTenantIDsInvalid(t *testing.T) {
	w := WorkerConfig{Tenants: []string{"not-a-uuid"}}

	if _, err := w.TenantIDs(); err == nil {
		t.Fatal("expected error for invalid tenant id")
	}
}

func TestLoad(t *testing.T) {
	content := `
app:
  name: lead-dialer
  env: test
queue:
  heartbeat_interval: 15s
  lock_timeout: 3m
worker:
  tenants:
    - 7f0e2d8a-4c1b-4f6e-9a3d-1b2c3d4e5f60
  poll_interval: 2s
carrier:
  tenant_concurrency: 4
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "lead-dialer" {
		t.Errorf("expected app name lead-dialer, got %q", cfg.App.Name)
	}
	if cfg.Queue.HeartbeatInterval != 15*time.Second {
		t.Errorf("expected 15s heartbeat interval, got %v", cfg.Queue.HeartbeatInterval)
	}
	if cfg.Queue.LockTimeout != 3*time.Minute {
		t.Errorf("expected 3m lock timeout, got %v", cfg.Queue.LockTimeout)
	}
	// Unset knobs still receive defaults.
	if cfg.Queue.InterCallDelay != 2*time.Second {
		t.Errorf("expected default inter-call delay, got %v", cfg.Queue.InterCallDelay)
	}
	if cfg.Carrier.TenantConcurrency != 4 {
		t.Errorf("expected tenant concurrency 4, got %d", cfg.Carrier.TenantConcurrency)
	}
	if len(cfg.Worker.Tenants) != 1 {
		t.Errorf("expected 1 tenant, got %d", len(cfg.Worker.Tenants))
	}
}

func TestLoadRejectsHeartbeatAboveLockTimeout(t *testing.T) {
	content := `
queue:
  heartbeat_interval: 10m
  lock_timeout: 5m
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for heartbeat interval above lock timeout")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
