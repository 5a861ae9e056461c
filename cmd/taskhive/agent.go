package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iaminawe/taskhive/internal/memory"
	"github.com/iaminawe/taskhive/internal/store"
	"github.com/iaminawe/taskhive/internal/worker"
)

// agentCmd is the entry point the process launch strategy execs. It is not
// meant to be invoked by hand; the launch contract arrives through
// TASKHIVE_* environment variables.
var agentCmd = &cobra.Command{
	Use:    "agent",
	Short:  "Run as a launched agent process (internal)",
	Hidden: true,
	RunE:   runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := worker.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("agent launch contract: %w", err)
	}
	if cfg.StoreAddr == "" {
		return fmt.Errorf("agent %s: process launch needs a store address; set %s", cfg.AgentID, worker.EnvStoreAddr)
	}

	backing, err := store.Dial(cfg.StoreAddr)
	if err != nil {
		return fmt.Errorf("agent %s: connect store: %w", cfg.AgentID, err)
	}
	defer backing.Close()

	coord := memory.New(backing)
	w := worker.New(cfg, coord, worker.BuiltinHandlers())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return w.Run(ctx)
}
