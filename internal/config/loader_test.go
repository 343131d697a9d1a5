package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("TEST_VAR", "hello")
	defer os.Unsetenv("TEST_VAR")

	tests := []struct {
		input    string
		expected string
	}{
		{"${TEST_VAR}", "hello"},
		{"${TEST_VAR:default}", "hello"},
		{"${UNSET_VAR:fallback}", "fallback"},
		{"${UNSET_VAR}", ""},
		{"no vars here", "no vars here"},
		{"prefix-${TEST_VAR}-suffix", "prefix-hello-suffix"},
	}

	for _, tt := range tests {
		got := expandEnvVars(tt.input)
		if got != tt.expected {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestLoadFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	content := `
server:
  host: "0.0.0.0"
  port: 9999
`
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	var cfg Config
	if err := LoadFile(tmpFile.Name(), &cfg); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected host 0.0.0.0, got %s", cfg.Server.Host)
	}
}

func TestLoadFile_WithEnvVars(t *testing.T) {
	os.Setenv("TEST_PORT", "7777")
	defer os.Unsetenv("TEST_PORT")

	tmpFile, err := os.CreateTemp("", "test-config-env-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	content := `
server:
  host: "${TEST_HOST:127.0.0.1}"
  port: ${TEST_PORT}
`
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	var cfg Config
	if err := LoadFile(tmpFile.Name(), &cfg); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1 (default), got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("expected port 7777, got %d", cfg.Server.Port)
	}
}

func writeConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	sigil := `
server:
  port: 9100
idempotency:
  wait_timeout: 3s
rate_limit:
  requests: 10
  window: 30s
`
	providers := `
providers:
  openai:
    type: openai
    base_url: "https://api.openai.com/v1"
    api_key: "${OPENAI_API_KEY:test-key}"
    timeout: 15s
`
	keys := `
active_seed_key: k1
seed_keys:
  - id: k1
    secret: "0123456789abcdef0123456789abcdef"
  - id: k2
    secret: "fedcba9876543210fedcba9876543210"
`
	for name, content := range map[string]string{
		"sigil.yaml":     sigil,
		"providers.yaml": providers,
		"keys.yaml":      keys,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoader_LoadsAllFiles(t *testing.T) {
	dir := writeConfigDir(t)
	loader := NewLoader(dir, slog.Default())
	if err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cfg := loader.Config()
	if cfg.Server.Port != 9100 {
		t.Errorf("expected port 9100, got %d", cfg.Server.Port)
	}
	// Unset fields keep their defaults
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected default read timeout, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Idempotency.WaitTimeout != 3*time.Second {
		t.Errorf("expected 3s wait timeout, got %v", cfg.Idempotency.WaitTimeout)
	}
	if cfg.Idempotency.TTL != 24*time.Hour {
		t.Errorf("expected default idempotency TTL, got %v", cfg.Idempotency.TTL)
	}
	if cfg.RateLimit.Requests != 10 || cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("unexpected rate limit config: %+v", cfg.RateLimit)
	}

	providers := loader.Providers()
	oc, ok := providers.Providers["openai"]
	if !ok {
		t.Fatal("expected openai provider")
	}
	if oc.APIKey != "test-key" {
		t.Errorf("expected env default api key, got %q", oc.APIKey)
	}
	if oc.Timeout != 15*time.Second {
		t.Errorf("expected 15s timeout, got %v", oc.Timeout)
	}

	keys := loader.Keys()
	if keys.ActiveSeedKey != "k1" {
		t.Errorf("expected active seed key k1, got %s", keys.ActiveSeedKey)
	}
	if len(keys.SeedKeys) != 2 {
		t.Fatalf("expected 2 seed keys, got %d", len(keys.SeedKeys))
	}
	if keys.SeedKeys[1].ID != "k2" {
		t.Errorf("expected second key k2, got %s", keys.SeedKeys[1].ID)
	}
}

func TestLoader_MissingFileFails(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(dir, slog.Default())
	if err := loader.Load(); err == nil {
		t.Fatal("expected error for missing config files")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Database.Name != "sigil" {
		t.Errorf("expected database name sigil, got %s", cfg.Database.Name)
	}
	if cfg.Cache.TTL <= 0 {
		t.Error("expected positive cache TTL")
	}
	if !cfg.Cache.WaitForRefresh {
		t.Error("expected WaitForRefresh default true")
	}
	if cfg.Idempotency.PollInterval <= 0 {
		t.Error("expected positive poll interval")
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		Name:     "sigil",
		User:     "svc",
		Password: "pw",
	}
	want := "postgres://svc:pw@db.internal:5433/sigil?sslmode=disable"
	if got := d.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
