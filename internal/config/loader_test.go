// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	env := map[string]string{"DIALER_CREDENTIAL_SECRET": "test-secret"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	loader := NewLoaderWithEnv("", "test-version", lookup)
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Store.PreDialLeaseTTL != 60*time.Second {
		t.Errorf("expected PreDialLeaseTTL=60s, got %v", cfg.Store.PreDialLeaseTTL)
	}
	if cfg.Voice.STTPoolCapacity != 20 {
		t.Errorf("expected STTPoolCapacity=20, got %d", cfg.Voice.STTPoolCapacity)
	}
	if cfg.Voice.STTPoolQueueCap != 50 {
		t.Errorf("expected STTPoolQueueCap=50, got %d", cfg.Voice.STTPoolQueueCap)
	}
	if cfg.Version != "test-version" {
		t.Errorf("expected Version=test-version, got %s", cfg.Version)
	}
}

func TestLoadRequiresCredentialSecret(t *testing.T) {
	loader := NewLoaderWithEnv("", "test", func(string) (string, bool) { return "", false })
	if _, err := loader.Load(); err == nil {
		t.Fatal("expected validation error for missing credential secret")
	}
}

func TestLoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
store:
  addr: "redis.internal:6379"
  preDialLeaseTTL: 45s
telephony:
  credentialSecret: "file-secret"
voice:
  sttPoolCapacity: 8
dialer:
  defaultMaxRetries: 5
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loader := NewLoaderWithEnv(configPath, "test", func(string) (string, bool) { return "", false })
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Store.Addr != "redis.internal:6379" {
		t.Errorf("expected Store.Addr from file, got %s", cfg.Store.Addr)
	}
	if cfg.Store.PreDialLeaseTTL != 45*time.Second {
		t.Errorf("expected PreDialLeaseTTL=45s from file, got %v", cfg.Store.PreDialLeaseTTL)
	}
	if cfg.Voice.STTPoolCapacity != 8 {
		t.Errorf("expected STTPoolCapacity=8 from file, got %d", cfg.Voice.STTPoolCapacity)
	}
	// Untouched defaults survive the overlay.
	if cfg.Voice.STTPoolQueueCap != 50 {
		t.Errorf("expected STTPoolQueueCap to keep default 50, got %d", cfg.Voice.STTPoolQueueCap)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("telephony:\n  credentialSecret: file-secret\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	env := map[string]string{"DIALER_CREDENTIAL_SECRET": "env-secret"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	loader := NewLoaderWithEnv(configPath, "test", lookup)
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Telephony.CredentialSecret != "env-secret" {
		t.Errorf("expected ENV to win over file, got %q", cfg.Telephony.CredentialSecret)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("notAField: true\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loader := NewLoaderWithEnv(configPath, "test", func(string) (string, bool) { return "", false })
	if _, err := loader.Load(); err == nil {
		t.Fatal("expected strict parse error for unknown field")
	}
}
