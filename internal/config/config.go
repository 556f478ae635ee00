// Package config provides configuration types and loading for steward.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/stewardhq/steward/internal/bridge"
	"github.com/stewardhq/steward/internal/gateway"
	"github.com/stewardhq/steward/internal/scheduler"
)

// Config is the root configuration struct.
type Config struct {
	Paths     PathsConfig      `json:"paths"`
	Engine    EngineConfig     `json:"engine"`
	Vault     VaultConfig      `json:"vault"`
	Spawner   SpawnerConfig    `json:"spawner"`
	Scheduler scheduler.Config `json:"scheduler"`
	Gateway   gateway.Config   `json:"gateway"`
	Bridge    BridgeConfig     `json:"bridge"`
	Triage    TriageConfig     `json:"triage"`
}

// PathsConfig groups filesystem locations. Everything defaults to living
// under ~/.steward.
type PathsConfig struct {
	Home         string `json:"home" envconfig:"HOME"`
	DBPath       string `json:"dbPath" envconfig:"DB_PATH"`
	RunStatePath string `json:"runStatePath" envconfig:"RUN_STATE_PATH"`
}

// EngineConfig points at the conversation engine service.
type EngineConfig struct {
	URL      string        `json:"url" envconfig:"URL"`
	Timeout  time.Duration `json:"timeout"`
	Provider string        `json:"provider" envconfig:"PROVIDER"`
}

// VaultConfig selects where the credential master keyset lives.
// Backend is one of "auto", "keyring", "file".
type VaultConfig struct {
	Backend string `json:"backend" envconfig:"BACKEND"`
}

// SpawnerConfig tunes agent run lifecycles.
type SpawnerConfig struct {
	TaskTimeout  time.Duration `json:"taskTimeout"`
	RunTimeout   time.Duration `json:"runTimeout"`
	ArchiveAfter time.Duration `json:"archiveAfter"`
}

// BridgeConfig lists the external tool servers.
type BridgeConfig struct {
	Servers []bridge.ServerConfig `json:"servers"`
}

// TriageConfig tunes interruption decisions.
type TriageConfig struct {
	// Grace is how long an urgent notification may sit unread before it
	// interrupts the user.
	Grace time.Duration `json:"grace"`
}

// DefaultConfig returns the defaults used before file and env overrides.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ConfigDir)
	return &Config{
		Paths: PathsConfig{
			Home:         base,
			DBPath:       filepath.Join(base, "steward.db"),
			RunStatePath: filepath.Join(base, "runs.json"),
		},
		Engine: EngineConfig{
			URL:      "http://127.0.0.1:8700/invoke",
			Timeout:  5 * time.Minute,
			Provider: "anthropic",
		},
		Vault: VaultConfig{Backend: "auto"},
		Spawner: SpawnerConfig{
			TaskTimeout:  90 * time.Second,
			RunTimeout:   10 * time.Minute,
			ArchiveAfter: time.Hour,
		},
		Scheduler: scheduler.DefaultConfig(),
		Gateway: gateway.Config{
			Enabled: false,
			Addr:    "127.0.0.1:8701",
		},
		Triage: TriageConfig{Grace: 5 * time.Minute},
	}
}
