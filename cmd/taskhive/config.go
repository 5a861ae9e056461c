package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iaminawe/taskhive/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show effective configuration",
	Long: `Display the effective configuration after merging defaults, the
user config (~/.config/taskhive/config.yaml), the project config
(.taskhive.yaml), and environment variables.

With a key argument, prints just that value.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		if len(args) == 1 {
			value, err := configValue(cfg, args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(value)
			return
		}
		displayAllConfig(cfg)
	},
}

func displayAllConfig(cfg *config.Config) {
	storeAddr := cfg.Store.Addr
	if storeAddr == "" {
		storeAddr = "(embedded)"
	}
	fmt.Printf("store.addr: %s\n", storeAddr)
	fmt.Printf("orchestrator.tick: %s\n", cfg.Orchestrator.Tick)
	fmt.Printf("orchestrator.pool_size: %d\n", cfg.Orchestrator.PoolSize)
	fmt.Printf("orchestrator.retention: %s\n", cfg.Orchestrator.Retention)
	fmt.Printf("launcher.max_agents: %d\n", cfg.Launcher.MaxAgents)
	fmt.Printf("launcher.heartbeat_timeout: %s\n", cfg.Launcher.HeartbeatTimeout)
	fmt.Printf("launcher.monitor_interval: %s\n", cfg.Launcher.MonitorInterval)
	fmt.Printf("launcher.templates_dir: %s\n", cfg.Launcher.TemplatesDir)
	fmt.Printf("memory.freshness_window: %s\n", cfg.Memory.FreshnessWindow)
	fmt.Printf("memory.retention: %s\n", cfg.Memory.Retention)
	fmt.Printf("memory.event_log_cap: %d\n", cfg.Memory.EventLogCap)
	fmt.Printf("debug.log_path: %s\n", cfg.Debug.LogPath)
}

func configValue(cfg *config.Config, key string) (string, error) {
	switch key {
	case "store.addr":
		return cfg.Store.Addr, nil
	case "orchestrator.tick":
		return cfg.Orchestrator.Tick.String(), nil
	case "orchestrator.pool_size":
		return fmt.Sprint(cfg.Orchestrator.PoolSize), nil
	case "orchestrator.retention":
		return cfg.Orchestrator.Retention.String(), nil
	case "launcher.max_agents":
		return fmt.Sprint(cfg.Launcher.MaxAgents), nil
	case "launcher.heartbeat_timeout":
		return cfg.Launcher.HeartbeatTimeout.String(), nil
	case "launcher.monitor_interval":
		return cfg.Launcher.MonitorInterval.String(), nil
	case "launcher.templates_dir":
		return cfg.Launcher.TemplatesDir, nil
	case "memory.freshness_window":
		return cfg.Memory.FreshnessWindow.String(), nil
	case "memory.retention":
		return cfg.Memory.Retention.String(), nil
	case "memory.event_log_cap":
		return fmt.Sprint(cfg.Memory.EventLogCap), nil
	case "debug.log_path":
		return cfg.Debug.LogPath, nil
	default:
		return "", fmt.Errorf("unknown config key %q", key)
	}
}
