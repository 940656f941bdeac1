package config

import (
	"context"
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"NODE_ENV", "PORT", "WS_PATH", "ADMIN_KEY", "WS_HEARTBEAT_INTERVAL",
		"OFFLINE_AFTER_MS", "VERIFY_INTERVAL_MS", "RATE_LIMIT_WINDOW_MS",
		"RATE_LIMIT_MAX", "LOG_LEVEL", "COMMIT_HASH", "PRESENCE_BACKEND",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WSPath != "/websocket" {
		t.Fatalf("unexpected WSPath: %q", cfg.WSPath)
	}
	if cfg.Port != 8080 {
		t.Fatalf("unexpected Port: %d", cfg.Port)
	}
	if cfg.Presence.Backend != "local" {
		t.Fatalf("unexpected backend: %q", cfg.Presence.Backend)
	}
}

func TestLoadRejectsShortAdminKey(t *testing.T) {
	clearEnv(t)
	os.Setenv("ADMIN_KEY", "short")
	defer os.Unsetenv("ADMIN_KEY")

	if _, err := Load(context.Background()); err == nil {
		t.Fatal("expected error for short admin key")
	}
}

func TestLoadRejectsBadWSPath(t *testing.T) {
	clearEnv(t)
	os.Setenv("WS_PATH", "websocket")
	defer os.Unsetenv("WS_PATH")

	if _, err := Load(context.Background()); err == nil {
		t.Fatal("expected error for WS_PATH missing leading slash")
	}
}

func TestHeartbeatTickClamped(t *testing.T) {
	cfg := &Config{HeartbeatIntervalMS: 1000}
	if got := cfg.HeartbeatTickMS(); got != 5000 {
		t.Fatalf("expected clamp to 5000, got %d", got)
	}
	cfg.HeartbeatIntervalMS = 50000
	if got := cfg.HeartbeatTickMS(); got != 10000 {
		t.Fatalf("expected clamp to 10000, got %d", got)
	}
}

func TestVerifyTickDisabled(t *testing.T) {
	cfg := &Config{VerifyIntervalMS: 0}
	if got := cfg.VerifyTickMS(); got != 0 {
		t.Fatalf("expected disabled verify tick, got %d", got)
	}
	cfg.VerifyIntervalMS = -5
	if got := cfg.VerifyTickMS(); got != 0 {
		t.Fatalf("expected disabled verify tick for negative value, got %d", got)
	}
	cfg.VerifyIntervalMS = 1000
	if got := cfg.VerifyTickMS(); got != 60000 {
		t.Fatalf("expected floor of 60000, got %d", got)
	}
}
