// Package config handles configuration loading for taskhive.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for taskhive.
type Config struct {
	Store        StoreConfig        `mapstructure:"store"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Launcher     LauncherConfig     `mapstructure:"launcher"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Debug        DebugConfig        `mapstructure:"debug"`
}

// StoreConfig holds backing-store settings.
type StoreConfig struct {
	// Addr is the address the run command serves the store on, letting
	// process-mode agents connect back ("127.0.0.1:0" picks a free port).
	// Empty keeps the store private to the process; agents then run
	// in-process only.
	Addr string `mapstructure:"addr"`
}

// OrchestratorConfig holds coordination loop settings.
type OrchestratorConfig struct {
	// Tick is the coordination loop interval.
	Tick time.Duration `mapstructure:"tick"`
	// PoolSize is the maximum number of concurrently executing tasks.
	PoolSize int `mapstructure:"pool_size"`
	// Retention is how long terminal sessions stay in live state.
	Retention time.Duration `mapstructure:"retention"`
}

// LauncherConfig holds agent launcher settings.
type LauncherConfig struct {
	// MaxAgents is the global cap on concurrently running agents.
	MaxAgents int `mapstructure:"max_agents"`
	// HeartbeatTimeout is how stale a heartbeat may be before the agent is
	// considered dead.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// MonitorInterval is how often agent health is checked.
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	// TemplatesDir is a directory of agent template YAML files to load and
	// watch. Empty disables file templates.
	TemplatesDir string `mapstructure:"templates_dir"`
}

// MemoryConfig holds memory coordinator settings.
type MemoryConfig struct {
	// FreshnessWindow is how recent a heartbeat must be for an agent to
	// count as available.
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
	// Retention is how long terminal sessions are kept in shared memory.
	Retention time.Duration `mapstructure:"retention"`
	// EventLogCap bounds the per-session event log.
	EventLogCap int `mapstructure:"event_log_cap"`
}

// DebugConfig holds debug logging settings.
type DebugConfig struct {
	// LogPath is the debug log file path. Empty disables debug logging.
	LogPath string `mapstructure:"log_path"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (TASKHIVE_*)
// 2. Project config (.taskhive.yaml in current directory or a parent)
// 3. User config (~/.config/taskhive/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Project config takes precedence over user config.
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("TASKHIVE")
	v.AutomaticEnv()
	v.BindEnv("store.addr", "TASKHIVE_STORE_ADDR")
	v.BindEnv("debug.log_path", "TASKHIVE_DEBUG_LOG")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file, applying defaults
// beneath it. Environment variables still take precedence.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	v.SetEnvPrefix("TASKHIVE")
	v.AutomaticEnv()
	v.BindEnv("store.addr", "TASKHIVE_STORE_ADDR")
	v.BindEnv("debug.log_path", "TASKHIVE_DEBUG_LOG")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers built-in default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.addr", "")

	v.SetDefault("orchestrator.tick", "1s")
	v.SetDefault("orchestrator.pool_size", 10)
	v.SetDefault("orchestrator.retention", "24h")

	v.SetDefault("launcher.max_agents", 10)
	v.SetDefault("launcher.heartbeat_timeout", "90s")
	v.SetDefault("launcher.monitor_interval", "10s")
	v.SetDefault("launcher.templates_dir", "")

	v.SetDefault("memory.freshness_window", "60s")
	v.SetDefault("memory.retention", "24h")
	v.SetDefault("memory.event_log_cap", 1000)

	v.SetDefault("debug.log_path", "")
}

// getUserConfigDir returns the XDG config directory for taskhive.
func getUserConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "taskhive")
}

// findProjectConfig searches for .taskhive.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(cwd, ".taskhive.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}
