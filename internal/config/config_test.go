package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.DatabasePath == "" {
		t.Error("DatabasePath should have a default")
	}
	if cfg.ChatConcurrency != 3 {
		t.Errorf("ChatConcurrency = %d, want 3", cfg.ChatConcurrency)
	}
	if cfg.HTTPPort != 3200 {
		t.Errorf("HTTPPort = %d, want 3200", cfg.HTTPPort)
	}
	if cfg.CollectTZ != "UTC" {
		t.Errorf("CollectTZ = %s, want UTC", cfg.CollectTZ)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CHAT_CONCURRENCY", "5")
	t.Setenv("COLLECT_TZ", "Europe/Moscow")
	t.Setenv("HTTP_PORT", "8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.ChatConcurrency != 5 {
		t.Errorf("ChatConcurrency = %d, want 5", cfg.ChatConcurrency)
	}
	if cfg.CollectTZ != "Europe/Moscow" {
		t.Errorf("CollectTZ = %s, want Europe/Moscow", cfg.CollectTZ)
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.HTTPPort)
	}
}

func TestLoad_ClampsConcurrency(t *testing.T) {
	t.Setenv("CHAT_CONCURRENCY", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ChatConcurrency != 1 {
		t.Errorf("ChatConcurrency = %d, want clamp to 1", cfg.ChatConcurrency)
	}
}

func TestConfig_Location(t *testing.T) {
	cfg := &Config{CollectTZ: "Europe/Moscow"}
	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("Location() error: %v", err)
	}
	if loc.String() != "Europe/Moscow" {
		t.Errorf("Location() = %s, want Europe/Moscow", loc)
	}

	cfg = &Config{CollectTZ: "Not/AZone"}
	if _, err := cfg.Location(); err == nil {
		t.Error("Location() should fail for an unknown timezone")
	}
}
