package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".steward"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file. STEWARD_CONFIG points
// at a file directly; STEWARD_HOME relocates the whole config directory.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("STEWARD_CONFIG")); explicit != "" {
		return expandHome(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("STEWARD_HOME")); h != "" {
		return expandHome(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir), nil
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}

// LoadEnvFiles loads environment variables from known dotenv files.
// Existing process env vars are never overridden.
func LoadEnvFiles() {
	candidates := make([]string, 0, 3)
	if explicit := strings.TrimSpace(os.Getenv("STEWARD_ENV_FILE")); explicit != "" {
		candidates = append(candidates, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".config", "steward", "env"),
			filepath.Join(home, ConfigDir, ".env"),
		)
	}
	for _, p := range candidates {
		_ = godotenv.Load(p)
	}
}

// Load reads the configuration. Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	LoadEnvFiles()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	envconfig.Process("STEWARD_PATHS", &cfg.Paths)
	envconfig.Process("STEWARD_ENGINE", &cfg.Engine)
	envconfig.Process("STEWARD_VAULT", &cfg.Vault)
	envconfig.Process("STEWARD_SCHEDULER", &cfg.Scheduler)
	envconfig.Process("STEWARD_GATEWAY", &cfg.Gateway)

	for _, p := range []*string{&cfg.Paths.Home, &cfg.Paths.DBPath, &cfg.Paths.RunStatePath, &cfg.Scheduler.LockPath} {
		if expanded, err := expandHome(*p); err == nil {
			*p = expanded
		}
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
