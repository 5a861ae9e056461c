package launcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/iaminawe/taskhive/internal/memory"
	"github.com/iaminawe/taskhive/internal/worker"
	"github.com/iaminawe/taskhive/pkg/models"
)

// ProcessState is the launcher-side lifecycle state of a managed agent.
type ProcessState string

const (
	// ProcessStateStarting indicates the agent is launching.
	ProcessStateStarting ProcessState = "starting"
	// ProcessStateRunning indicates the agent is up.
	ProcessStateRunning ProcessState = "running"
	// ProcessStateStopping indicates a graceful stop is in progress.
	ProcessStateStopping ProcessState = "stopping"
	// ProcessStateStopped indicates the agent exited on request.
	ProcessStateStopped ProcessState = "stopped"
	// ProcessStateFailed indicates the agent exited unexpectedly or its
	// heartbeat went stale.
	ProcessStateFailed ProcessState = "failed"
)

// active reports whether the state counts against the launcher's agent cap.
func (s ProcessState) active() bool {
	return s == ProcessStateStarting || s == ProcessStateRunning
}

// ProcessMetrics is a snapshot of a managed agent's resource usage.
type ProcessMetrics struct {
	// MemoryMB is resident memory in megabytes.
	MemoryMB float64
	// CPUPercent is the CPU share since the last refresh.
	CPUPercent float64
	// UpdatedAt is when the snapshot was taken.
	UpdatedAt time.Time
}

// Handle wraps a launched agent's process or in-process worker. The handle
// owns the underlying process/goroutine exclusively.
type Handle struct {
	// AgentID is the launched agent's identity.
	AgentID string
	// SessionID is the session the agent serves.
	SessionID string
	// Config is the configuration the agent was launched with, kept for
	// restarts.
	Config AgentConfig
	// Mode is the launch mode actually used.
	Mode models.LaunchMode

	mu       sync.Mutex
	state    ProcessState
	restarts int
	metrics  ProcessMetrics

	// proc is set in process mode.
	proc *os.Process
	// cancel stops the worker goroutine in in-process mode.
	cancel context.CancelFunc
	// done is closed when the process exits or the worker returns.
	done chan struct{}

	// prevCPUTime and prevSampleAt seed the CPU-share calculation.
	prevCPUTime  time.Duration
	prevSampleAt time.Time
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() ProcessState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s ProcessState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Restarts returns how many times the agent has been restarted.
func (h *Handle) Restarts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restarts
}

// Metrics returns the latest resource-usage snapshot.
func (h *Handle) Metrics() ProcessMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.metrics
}

// PID returns the OS process ID, or 0 for in-process agents.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proc == nil {
		return 0
	}
	return h.proc.Pid
}

// Done returns a channel closed when the agent exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// LaunchStrategy starts an agent in one particular mode.
type LaunchStrategy interface {
	// Launch starts the agent and returns its handle. Implementations
	// must not leave partial state behind on failure.
	Launch(ctx context.Context, sessionID string, cfg AgentConfig) (*Handle, error)
}

// postLaunchCheck is how long the process strategy waits before confirming
// the spawned process did not exit immediately.
const postLaunchCheck = 200 * time.Millisecond

// ProcessStrategy launches agents as independent OS processes running this
// binary's agent entry point, passing configuration via the environment.
type ProcessStrategy struct {
	// BinPath is the agent binary; defaults to the current executable.
	BinPath string
	// StoreAddr is the backing-store connection string handed to agents.
	StoreAddr string
}

// Launch implements LaunchStrategy.
func (s *ProcessStrategy) Launch(_ context.Context, sessionID string, cfg AgentConfig) (*Handle, error) {
	bin := s.BinPath
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve agent binary: %w", err)
		}
		bin = exe
	}

	env := worker.EnvConfig{
		AgentID:           cfg.ID,
		AgentName:         cfg.Name,
		SessionID:         sessionID,
		Capabilities:      cfg.Capabilities,
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		MaxTasks:          cfg.MaxTasks,
		StoreAddr:         s.StoreAddr,
	}

	cmd := exec.Command(bin, "agent")
	cmd.Env = append(os.Environ(), env.Environ()...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	h := &Handle{
		AgentID:   cfg.ID,
		SessionID: sessionID,
		Config:    cfg,
		Mode:      models.LaunchModeProcess,
		state:     ProcessStateStarting,
		proc:      cmd.Process,
		done:      make(chan struct{}),
	}

	exited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		exited <- err
		close(h.done)
		h.mu.Lock()
		if h.state != ProcessStateStopping && h.state != ProcessStateStopped {
			h.state = ProcessStateFailed
		} else {
			h.state = ProcessStateStopped
		}
		h.mu.Unlock()
		if err != nil {
			log.Printf("[launcher] agent %s process exited: %v", cfg.ID, err)
		}
	}()

	// Confirm the process survived its first moments.
	select {
	case err := <-exited:
		return nil, fmt.Errorf("agent process exited immediately: %v", err)
	case <-time.After(postLaunchCheck):
	}

	h.setState(ProcessStateRunning)
	return h, nil
}

// InProcessStrategy launches agents as worker goroutines bound to the same
// address space, for lightweight and monitoring agents.
type InProcessStrategy struct {
	// Coordinator is the shared memory coordinator.
	Coordinator *memory.Coordinator
	// Handlers is the handler registry workers execute through.
	Handlers *worker.HandlerRegistry
}

// Launch implements LaunchStrategy.
func (s *InProcessStrategy) Launch(_ context.Context, sessionID string, cfg AgentConfig) (*Handle, error) {
	if s.Coordinator == nil || s.Handlers == nil {
		return nil, fmt.Errorf("in-process strategy needs a coordinator and handler registry")
	}

	env := worker.EnvConfig{
		AgentID:           cfg.ID,
		AgentName:         cfg.Name,
		SessionID:         sessionID,
		Capabilities:      cfg.Capabilities,
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		MaxTasks:          cfg.MaxTasks,
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		AgentID:   cfg.ID,
		SessionID: sessionID,
		Config:    cfg,
		Mode:      models.LaunchModeInProcess,
		state:     ProcessStateRunning,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	w := worker.New(env, s.Coordinator, s.Handlers)
	go func() {
		defer close(h.done)
		if err := w.Run(workerCtx); err != nil {
			log.Printf("[launcher] in-process agent %s: %v", cfg.ID, err)
			h.setState(ProcessStateFailed)
			return
		}
		h.mu.Lock()
		if h.state != ProcessStateFailed {
			h.state = ProcessStateStopped
		}
		h.mu.Unlock()
	}()

	return h, nil
}

// strategyFor returns the strategy for a launch mode, or a typed
// unsupported-mode error for the modes with no implementation.
func (l *Launcher) strategyFor(mode models.LaunchMode) (LaunchStrategy, error) {
	switch mode {
	case models.LaunchModeProcess:
		return l.process, nil
	case models.LaunchModeInProcess:
		return l.inProcess, nil
	case models.LaunchModeContainer, models.LaunchModeRemote:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLaunchMode, mode)
	default:
		return nil, &ValidationError{Field: "launch_mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}
}
