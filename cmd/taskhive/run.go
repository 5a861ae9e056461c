package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/iaminawe/taskhive/internal/config"
	"github.com/iaminawe/taskhive/internal/launcher"
	"github.com/iaminawe/taskhive/internal/memory"
	"github.com/iaminawe/taskhive/internal/orchestrator"
	"github.com/iaminawe/taskhive/internal/state"
	"github.com/iaminawe/taskhive/internal/store"
	"github.com/iaminawe/taskhive/internal/worker"
	"github.com/iaminawe/taskhive/pkg/models"
)

var (
	runNoHistory bool
	runSwarmFile string
)

var runCmd = &cobra.Command{
	Use:   "run <session.yaml>",
	Short: "Run a session defined in a YAML file",
	Long: `Run a session to completion.

The YAML file defines the session's tasks, agents, shared context, and
config. Task IDs are positional (task-1, task-2, ...) and are how the
dependencies list references other tasks.

Example session file:

  name: nightly-import
  tasks:
    - type: shell
      params: {command: ls, args: [-l]}
    - type: echo
      priority: 5
      params: {message: "import done"}
      dependencies: [task-1]
  config:
    max_agents: 4
    task_timeout: 2m

Pass --swarm to launch additional worker agents from a swarm YAML file;
they claim queued tasks alongside the built-in executor pool.

The command exits non-zero if any task fails permanently or the session
is interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runSession,
}

func init() {
	runCmd.Flags().BoolVar(&runNoHistory, "no-history", false, "Skip recording the session in the local history database")
	runCmd.Flags().StringVar(&runSwarmFile, "swarm", "", "Launch extra worker agents from a swarm YAML file")
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read session file: %w", err)
	}
	var def orchestrator.SessionDef
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return fmt.Errorf("parse session file: %w", err)
	}

	backing := store.NewMemoryStore()
	defer backing.Close()

	// Serving the store lets process-mode agents reach it through the
	// address in their launch environment.
	if cfg.Store.Addr != "" {
		srv := store.NewServer(backing)
		bound, err := srv.Listen(cfg.Store.Addr)
		if err != nil {
			return fmt.Errorf("serve store on %s: %w", cfg.Store.Addr, err)
		}
		defer srv.Close()
		cfg.Store.Addr = bound
	}
	coord := memory.New(backing,
		memory.WithFreshnessWindow(cfg.Memory.FreshnessWindow),
		memory.WithRetention(cfg.Memory.Retention),
		memory.WithEventLogCap(cfg.Memory.EventLogCap),
	)

	logger, err := orchestrator.NewDebugLogger(cfg.Debug.LogPath)
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}
	defer logger.Close()

	opts := []orchestrator.Option{
		orchestrator.WithTick(cfg.Orchestrator.Tick),
		orchestrator.WithPoolSize(cfg.Orchestrator.PoolSize),
		orchestrator.WithRetention(cfg.Orchestrator.Retention),
		orchestrator.WithLogger(logger),
	}

	if !runNoHistory {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		db, err := state.OpenProject(cwd)
		if err != nil {
			color.Yellow("warning: session history unavailable: %v", err)
		} else {
			defer db.Close()
			if err := db.Migrate(); err != nil {
				color.Yellow("warning: session history unavailable: %v", err)
			} else {
				opts = append(opts, orchestrator.WithStateStore(db))
			}
		}
	}

	o, err := orchestrator.New(orchestrator.RequiredConfig{
		Coordinator: coord,
		Handlers:    worker.BuiltinHandlers(),
	}, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := o.Start(ctx); err != nil {
		return err
	}
	defer o.Stop()

	session, err := o.CreateSession(ctx, def)
	if err != nil {
		return err
	}
	fmt.Printf("session %s: %d tasks, %d agents\n", session.ID, len(session.Tasks), len(session.Agents))

	if runSwarmFile != "" {
		stopSwarm, err := launchSwarm(ctx, cfg, coord, session.ID)
		if err != nil {
			return err
		}
		defer stopSwarm()
	}

	if err := o.StartSession(ctx, session.ID); err != nil {
		return err
	}

	final, err := watchSession(ctx, o, session.ID)
	if err != nil {
		return err
	}

	printSummary(final)
	if final.Status != models.SessionStatusCompleted || final.Progress.Failed > 0 {
		os.Exit(1)
	}
	return nil
}

// launchSwarm starts the worker agents described by the --swarm file.
// Process-mode templates spawn real agent processes when the store is
// served (store.addr configured); otherwise they fall back to in-process
// workers, which is all an unserved embedded store can support.
func launchSwarm(ctx context.Context, cfg *config.Config, coord *memory.Coordinator, sessionID string) (func(), error) {
	raw, err := os.ReadFile(runSwarmFile)
	if err != nil {
		return nil, fmt.Errorf("read swarm file: %w", err)
	}
	var swarm launcher.SwarmConfig
	if err := yaml.Unmarshal(raw, &swarm); err != nil {
		return nil, fmt.Errorf("parse swarm file: %w", err)
	}

	templates := launcher.NewTemplateRegistry()
	if cfg.Launcher.TemplatesDir != "" {
		if err := templates.LoadDir(cfg.Launcher.TemplatesDir); err != nil {
			return nil, err
		}
		if err := templates.Watch(); err != nil {
			color.Yellow("warning: template hot-reload unavailable: %v", err)
		}
	}

	inproc := &launcher.InProcessStrategy{Coordinator: coord, Handlers: worker.BuiltinHandlers()}
	opts := []launcher.Option{
		launcher.WithMaxAgents(cfg.Launcher.MaxAgents),
		launcher.WithHeartbeatTimeout(cfg.Launcher.HeartbeatTimeout),
		launcher.WithMonitorInterval(cfg.Launcher.MonitorInterval),
		launcher.WithInProcessStrategy(inproc),
	}
	if cfg.Store.Addr != "" {
		opts = append(opts, launcher.WithProcessStrategy(&launcher.ProcessStrategy{StoreAddr: cfg.Store.Addr}))
	} else {
		opts = append(opts, launcher.WithProcessStrategy(inproc))
	}
	l := launcher.New(coord, templates, opts...)

	launched, err := l.LaunchSwarm(ctx, sessionID, swarm)
	if err != nil {
		l.StopAll(context.Background())
		templates.Close()
		return nil, fmt.Errorf("launch swarm: %w", err)
	}
	fmt.Printf("swarm: launched %d agents\n", len(launched))
	l.StartMonitor(ctx)

	return func() {
		l.StopMonitor()
		l.StopAll(context.Background())
		templates.Close()
	}, nil
}

// watchSession prints live events until the session reaches a terminal
// state or the context is cancelled.
func watchSession(ctx context.Context, o *orchestrator.Orchestrator, sessionID string) (*orchestrator.SessionStatusReport, error) {
	for {
		select {
		case ev := <-o.Events():
			if ev.SessionID != sessionID {
				continue
			}
			printEvent(ev)
			if ev.Type == models.EventSessionCompleted || ev.Type == models.EventSessionCancelled {
				return o.GetSessionStatus(sessionID)
			}
		case <-ctx.Done():
			// Interrupted; cancel the session with a fresh context so the
			// shutdown bookkeeping still completes.
			color.Yellow("interrupted, cancelling session %s", sessionID)
			if err := o.StopSession(context.Background(), sessionID); err != nil {
				return nil, err
			}
			return o.GetSessionStatus(sessionID)
		}
	}
}

func printEvent(ev models.Event) {
	switch ev.Type {
	case models.EventTaskAssigned:
		fmt.Printf("  %s -> %s\n", ev.Data["task_id"], ev.Data["agent_id"])
	case models.EventTaskCompleted:
		color.Green("  ✓ %s", ev.Data["task_id"])
	case models.EventTaskFailed:
		if retry, _ := ev.Data["will_retry"].(bool); retry {
			color.Yellow("  ⟳ %s failed, retrying in %v: %v", ev.Data["task_id"], ev.Data["retry_in"], ev.Data["error"])
		} else {
			color.Red("  ✗ %s: %v", ev.Data["task_id"], ev.Data["error"])
		}
	}
}

func printSummary(report *orchestrator.SessionStatusReport) {
	fmt.Println()
	statusColor := color.New(color.FgGreen)
	switch report.Status {
	case models.SessionStatusCancelled:
		statusColor = color.New(color.FgYellow)
	case models.SessionStatusFailed:
		statusColor = color.New(color.FgRed)
	}
	statusColor.Printf("session %s %s", report.ID, report.Status)
	fmt.Printf(": %d/%d tasks completed", report.Progress.Completed, report.Progress.Total)
	if report.Progress.Failed > 0 {
		color.New(color.FgRed).Printf(", %d failed", report.Progress.Failed)
	}
	if n := report.Tasks[models.TaskStatusCancelled]; n > 0 {
		fmt.Printf(", %d cancelled", n)
	}
	fmt.Println()
}
