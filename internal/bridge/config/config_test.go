package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kmoroz/tsunagi/internal/bridge/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tsunagi.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimal = `
homeserver_url: http://localhost:8008
server_name: example.org
admin_password: hunter2
webhook_verify: bypass
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReconcileInterval != 500*time.Millisecond {
		t.Errorf("ReconcileInterval: got %s, want 500ms", cfg.ReconcileInterval)
	}
	if cfg.SyncTimeout != 10*time.Second {
		t.Errorf("SyncTimeout: got %s, want 10s", cfg.SyncTimeout)
	}
	if !cfg.ColdStartDropHistory {
		t.Error("ColdStartDropHistory should default to true")
	}
	if cfg.InFlightTTL != 5*time.Minute {
		t.Errorf("InFlightTTL: got %s, want 5m", cfg.InFlightTTL)
	}
	if cfg.RateLimitMaxRetries != 5 {
		t.Errorf("RateLimitMaxRetries: got %d, want 5", cfg.RateLimitMaxRetries)
	}
	if cfg.ConnectorMaxConcurrentPerConversation != 1 {
		t.Errorf("ConnectorMaxConcurrentPerConversation: got %d, want 1",
			cfg.ConnectorMaxConcurrentPerConversation)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("TSUNAGI_SYNC_TIMEOUT", "3s")
	t.Setenv("TSUNAGI_SERVER_NAME", "env.example.org")
	t.Setenv("TSUNAGI_SEND_RATE_PER_SECOND", "2.5")

	cfg, err := config.Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SyncTimeout != 3*time.Second {
		t.Errorf("SyncTimeout: got %s, want 3s", cfg.SyncTimeout)
	}
	if cfg.ServerName != "env.example.org" {
		t.Errorf("ServerName: got %q", cfg.ServerName)
	}
	if cfg.SendRatePerSecond != 2.5 {
		t.Errorf("SendRatePerSecond: got %g, want 2.5", cfg.SendRatePerSecond)
	}
}

func TestLoadRejectsMissingRequired(t *testing.T) {
	_, err := config.Load(writeConfig(t, "server_name: example.org\n"))
	if err == nil {
		t.Fatal("expected error for missing homeserver_url")
	}
}

func TestLoadRejectsEnforceWithoutSecret(t *testing.T) {
	body := `
homeserver_url: http://localhost:8008
server_name: example.org
admin_password: hunter2
webhook_verify: enforce
`
	if _, err := config.Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected error: enforce mode without webhook_secret")
	}
}

func TestLoadRejectsUnknownVerifyMode(t *testing.T) {
	body := `
homeserver_url: http://localhost:8008
server_name: example.org
admin_password: hunter2
webhook_verify: maybe
`
	if _, err := config.Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected error for unknown webhook_verify mode")
	}
}

func TestAdminUserID(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.AdminUserID(); got != "@bridge:example.org" {
		t.Errorf("AdminUserID: got %q, want %q", got, "@bridge:example.org")
	}
}
