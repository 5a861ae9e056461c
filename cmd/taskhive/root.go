package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iaminawe/taskhive/internal/config"
)

var (
	configPath string
	debugLog   string
)

var rootCmd = &cobra.Command{
	Use:   "taskhive",
	Short: "Task orchestration across cooperating agents",
	Long: `Taskhive coordinates sessions of interdependent tasks across a pool
of agents. Tasks declare dependencies, priorities, and required
capabilities; the orchestrator schedules them as their dependencies
complete and assigns each one to a capable agent, retrying failures
with exponential backoff.

Sessions are defined in YAML and executed with 'taskhive run'.
Session history is recorded in a local SQLite database; inspect it
with 'taskhive status'.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (default: XDG config + project overrides)")
	rootCmd.PersistentFlags().StringVar(&debugLog, "debug-log", "", "Write a debug log to this path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads configuration, honoring the --config flag.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if debugLog != "" {
		cfg.Debug.LogPath = debugLog
	}
	return cfg, nil
}
