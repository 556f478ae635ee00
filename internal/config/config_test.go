package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Engine.URL != "http://127.0.0.1:8700/invoke" {
		t.Fatalf("engine url: %s", cfg.Engine.URL)
	}
	if cfg.Engine.Provider != "anthropic" {
		t.Fatalf("provider: %s", cfg.Engine.Provider)
	}
	if cfg.Vault.Backend != "auto" {
		t.Fatalf("vault backend: %s", cfg.Vault.Backend)
	}
	if cfg.Gateway.Enabled {
		t.Fatal("gateway should be disabled by default")
	}
	if cfg.Spawner.TaskTimeout != 90*time.Second {
		t.Fatalf("task timeout: %s", cfg.Spawner.TaskTimeout)
	}
	if filepath.Base(cfg.Paths.DBPath) != "steward.db" {
		t.Fatalf("db path: %s", cfg.Paths.DBPath)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"engine": {"url": "http://10.0.0.5:9000/invoke", "provider": "openai"},
		"scheduler": {"enabled": true, "maxConcFires": 2},
		"triage": {"grace": 120000000000}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STEWARD_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.URL != "http://10.0.0.5:9000/invoke" {
		t.Fatalf("engine url not overridden: %s", cfg.Engine.URL)
	}
	if cfg.Engine.Provider != "openai" {
		t.Fatalf("provider not overridden: %s", cfg.Engine.Provider)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.MaxConcFires != 2 {
		t.Fatalf("scheduler not overridden: %+v", cfg.Scheduler)
	}
	if cfg.Triage.Grace != 2*time.Minute {
		t.Fatalf("triage grace: %s", cfg.Triage.Grace)
	}
	// Untouched keys keep their defaults.
	if cfg.Vault.Backend != "auto" {
		t.Fatalf("vault backend lost its default: %s", cfg.Vault.Backend)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"paths": {"dbPath": "/from/file/steward.db"}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STEWARD_CONFIG", path)
	t.Setenv("STEWARD_PATHS_DB_PATH", "/from/env/steward.db")
	t.Setenv("STEWARD_ENGINE_URL", "http://env.local/invoke")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Paths.DBPath != "/from/env/steward.db" {
		t.Fatalf("env did not win over file: %s", cfg.Paths.DBPath)
	}
	if cfg.Engine.URL != "http://env.local/invoke" {
		t.Fatalf("engine url: %s", cfg.Engine.URL)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("STEWARD_CONFIG", filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.URL != "http://127.0.0.1:8700/invoke" {
		t.Fatalf("defaults not applied: %s", cfg.Engine.URL)
	}
}

func TestConfigPath_HomeRelocation(t *testing.T) {
	t.Setenv("STEWARD_CONFIG", "")
	t.Setenv("STEWARD_HOME", "/srv/steward")

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath: %v", err)
	}
	if path != filepath.Join("/srv/steward", ConfigFile) {
		t.Fatalf("config path: %s", path)
	}
}

func TestSaveLoad_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("STEWARD_CONFIG", path)

	cfg := DefaultConfig()
	cfg.Gateway.Enabled = true
	cfg.Gateway.Addr = "127.0.0.1:9999"
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.Gateway.Enabled || loaded.Gateway.Addr != "127.0.0.1:9999" {
		t.Fatalf("roundtrip lost gateway settings: %+v", loaded.Gateway)
	}
}
