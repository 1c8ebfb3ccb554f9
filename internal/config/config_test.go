package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Cleanup(func() { getenv = os.Getenv })
	getenv = func(string) string { return "secret" }

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SelfID != defaultSelfID {
		t.Fatalf("expected default self id %s, got %s", defaultSelfID, cfg.SelfID)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("expected default log level %s, got %s", defaultLogLevel, cfg.LogLevel)
	}
	if cfg.AdminAddress != defaultAdminAddress {
		t.Fatalf("expected default admin address %s, got %s", defaultAdminAddress, cfg.AdminAddress)
	}
	if cfg.QueueSize != defaultQueueSize {
		t.Fatalf("expected default queue size %d, got %d", defaultQueueSize, cfg.QueueSize)
	}
	if cfg.ShutdownGracePeriod != defaultShutdownGracePeriod {
		t.Fatalf("expected default grace %s, got %s", defaultShutdownGracePeriod, cfg.ShutdownGracePeriod)
	}
	if cfg.Vault.Path != defaultVaultPath {
		t.Fatalf("expected default vault path %s, got %s", defaultVaultPath, cfg.Vault.Path)
	}
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(`
self_id: "alice@example.org"
log_level: "debug"
shutdown_grace_period: "5s"
queue_size: 512
vault:
  path: "/tmp/vault.json"
  passphrase_env: "CUSTOM_ENV"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PRIVITTY_ADMIN_ADDRESS", ":6000")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.AdminAddress != ":6000" {
		t.Fatalf("expected env override for admin address, got %s", cfg.AdminAddress)
	}
	if cfg.SelfID != "alice@example.org" {
		t.Fatalf("expected self id from file, got %s", cfg.SelfID)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.QueueSize != 512 {
		t.Fatalf("expected queue size 512, got %d", cfg.QueueSize)
	}
	if cfg.ShutdownGracePeriod != 5*time.Second {
		t.Fatalf("expected grace 5s, got %s", cfg.ShutdownGracePeriod)
	}
	if cfg.Vault.Path != "/tmp/vault.json" {
		t.Fatalf("expected vault path from file, got %s", cfg.Vault.Path)
	}
	if cfg.Vault.PassphraseEnv != "CUSTOM_ENV" {
		t.Fatalf("expected passphrase env CUSTOM_ENV, got %s", cfg.Vault.PassphraseEnv)
	}
}

func TestPassphraseFetch(t *testing.T) {
	t.Cleanup(func() { getenv = os.Getenv })
	getenv = func(key string) string {
		if key == "CUSTOM_ENV" {
			return "hunter2"
		}
		return ""
	}

	cfg := Config{Vault: VaultConfig{PassphraseEnv: "CUSTOM_ENV"}}
	pass, err := cfg.Passphrase()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pass != "hunter2" {
		t.Fatalf("expected passphrase from env, got %s", pass)
	}

	cfg.Vault.PassphraseEnv = "MISSING_ENV"
	if _, err := cfg.Passphrase(); err == nil {
		t.Fatal("expected error when passphrase env is missing")
	}
}
