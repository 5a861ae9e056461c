package launcher

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/iaminawe/taskhive/internal/memory"
	"github.com/iaminawe/taskhive/internal/worker"
	"github.com/iaminawe/taskhive/pkg/models"
)

const (
	// DefaultMaxAgents caps concurrently managed starting/running agents.
	DefaultMaxAgents = 10
	// DefaultHeartbeatTimeout is how stale an agent's heartbeat may be
	// before the health monitor marks it failed.
	DefaultHeartbeatTimeout = 90 * time.Second
	// DefaultMonitorInterval is the health-monitor tick.
	DefaultMonitorInterval = 10 * time.Second
	// DefaultStopTimeout is the graceful-termination wait before force kill.
	DefaultStopTimeout = 10 * time.Second
	// DefaultRestartAttempts bounds RestartAgent retries.
	DefaultRestartAttempts = 3
	// DefaultRestartDelay separates restart attempts.
	DefaultRestartDelay = 2 * time.Second

	// maxMemoryMB is the hard per-agent memory-limit bound.
	maxMemoryMB = 8192
	// memoryHeadroom is the share of available system memory an agent
	// may request.
	memoryHeadroom = 0.8
)

// Option configures a Launcher.
type Option func(*Launcher)

// WithMaxAgents caps concurrently managed agents.
func WithMaxAgents(n int) Option {
	return func(l *Launcher) { l.maxAgents = n }
}

// WithHeartbeatTimeout sets the staleness bound for the health monitor.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(l *Launcher) { l.heartbeatTimeout = d }
}

// WithMonitorInterval sets the health-monitor tick.
func WithMonitorInterval(d time.Duration) Option {
	return func(l *Launcher) { l.monitorInterval = d }
}

// WithStopTimeout sets the graceful-termination wait.
func WithStopTimeout(d time.Duration) Option {
	return func(l *Launcher) { l.stopTimeout = d }
}

// WithRestartPolicy bounds restart attempts and the delay between them.
func WithRestartPolicy(attempts int, delay time.Duration) Option {
	return func(l *Launcher) {
		l.restartAttempts = attempts
		l.restartDelay = delay
	}
}

// WithProcessStrategy replaces the process-mode strategy (used by tests and
// by callers handing agents a store connection string).
func WithProcessStrategy(s LaunchStrategy) Option {
	return func(l *Launcher) { l.process = s }
}

// WithInProcessStrategy replaces the in-process strategy.
func WithInProcessStrategy(s LaunchStrategy) Option {
	return func(l *Launcher) { l.inProcess = s }
}

// availableMemoryMB reports system memory available for new agents. It reads
// /proc/meminfo; when that fails (non-Linux), it assumes the hard per-agent
// bound so the 80% headroom check still applies.
func availableMemoryMB() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return maxMemoryMB
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			break
		}
		return kb / 1024
	}
	return maxMemoryMB
}

// Launcher starts, monitors, restarts, and stops agent workers. Successful
// launches are registered with the memory coordinator; failed resource
// checks reject the launch with no side effects.
type Launcher struct {
	coord     *memory.Coordinator
	templates *TemplateRegistry
	process   LaunchStrategy
	inProcess LaunchStrategy

	maxAgents        int
	heartbeatTimeout time.Duration
	monitorInterval  time.Duration
	stopTimeout      time.Duration
	restartAttempts  int
	restartDelay     time.Duration

	mu      sync.RWMutex
	handles map[string]*Handle

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New creates a Launcher over the given coordinator and template registry.
func New(coord *memory.Coordinator, templates *TemplateRegistry, opts ...Option) *Launcher {
	l := &Launcher{
		coord:            coord,
		templates:        templates,
		maxAgents:        DefaultMaxAgents,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		monitorInterval:  DefaultMonitorInterval,
		stopTimeout:      DefaultStopTimeout,
		restartAttempts:  DefaultRestartAttempts,
		restartDelay:     DefaultRestartDelay,
		handles:          make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.process == nil {
		l.process = &ProcessStrategy{}
	}
	if l.inProcess == nil {
		// An empty registry means the worker registers and heartbeats but
		// accepts no tasks; callers wire a real registry via the option.
		l.inProcess = &InProcessStrategy{Coordinator: coord, Handlers: worker.NewHandlerRegistry()}
	}
	return l
}

// validate checks an agent config synchronously, before anything starts.
func validate(cfg AgentConfig) error {
	if cfg.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if cfg.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if len(cfg.Capabilities) == 0 {
		return &ValidationError{Field: "capabilities", Reason: "must not be empty"}
	}
	if cfg.ResourceLimits.MemoryMB <= 0 || cfg.ResourceLimits.MemoryMB > maxMemoryMB {
		return &ValidationError{
			Field:  "resource_limits.memory_mb",
			Reason: fmt.Sprintf("must be in (0, %d], got %d", maxMemoryMB, cfg.ResourceLimits.MemoryMB),
		}
	}
	if cfg.ResourceLimits.CPUPercent <= 0 || cfg.ResourceLimits.CPUPercent > 100 {
		return &ValidationError{
			Field:  "resource_limits.cpu_percent",
			Reason: fmt.Sprintf("must be in (0, 100], got %g", cfg.ResourceLimits.CPUPercent),
		}
	}
	if cfg.MaxTasks < 1 {
		return &ValidationError{Field: "max_tasks", Reason: "must be at least 1"}
	}
	return nil
}

// activeCount returns starting/running handles. Caller must hold l.mu.
func (l *Launcher) activeCount() int {
	n := 0
	for _, h := range l.handles {
		if h.State().active() {
			n++
		}
	}
	return n
}

// LaunchAgent validates the config, runs the resource guard, launches the
// agent per its mode, and registers it with the memory coordinator.
func (l *Launcher) LaunchAgent(ctx context.Context, sessionID string, cfg AgentConfig) error {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = Duration(15 * time.Second)
	}
	if cfg.MaxTasks == 0 {
		cfg.MaxTasks = 1
	}
	if err := validate(cfg); err != nil {
		return err
	}

	strategy, err := l.strategyFor(cfg.LaunchMode)
	if err != nil {
		return err
	}

	// Resource guard: either failing check rejects with no side effects.
	if available := availableMemoryMB(); float64(cfg.ResourceLimits.MemoryMB) > available*memoryHeadroom {
		return fmt.Errorf("%w: requested %d MB exceeds %.0f%% of available %.0f MB",
			ErrResourceExhausted, cfg.ResourceLimits.MemoryMB, memoryHeadroom*100, available)
	}
	l.mu.Lock()
	if l.activeCount() >= l.maxAgents {
		l.mu.Unlock()
		return fmt.Errorf("%w: agent limit %d reached", ErrResourceExhausted, l.maxAgents)
	}
	if existing, ok := l.handles[cfg.ID]; ok && existing.State().active() {
		l.mu.Unlock()
		return &ValidationError{Field: "id", Reason: fmt.Sprintf("agent %q is already running", cfg.ID)}
	}
	l.mu.Unlock()

	handle, err := strategy.Launch(ctx, sessionID, cfg)
	if err != nil {
		return fmt.Errorf("launch agent %s: %w", cfg.ID, err)
	}

	// Process-mode agents register themselves over the store; in-process
	// workers do too. Registering here as well makes the agent visible
	// before its first poll, and is idempotent last-writer-wins.
	agent := &models.Agent{
		ID:             cfg.ID,
		Name:           cfg.Name,
		Capabilities:   cfg.Capabilities,
		Status:         models.AgentStatusIdle,
		ResourceLimits: cfg.ResourceLimits,
	}
	if err := l.coord.RegisterAgent(ctx, sessionID, agent); err != nil {
		log.Printf("[launcher] register agent %s: %v", cfg.ID, err)
	}

	l.mu.Lock()
	l.handles[cfg.ID] = handle
	l.mu.Unlock()

	log.Printf("[launcher] launched agent %s (%s mode) for session %s", cfg.ID, handle.Mode, sessionID)
	return nil
}

// Handle returns the managed handle for an agent.
func (l *Launcher) Handle(agentID string) (*Handle, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.handles[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return h, nil
}

// Handles returns all managed handles.
func (l *Launcher) Handles() []*Handle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Handle, 0, len(l.handles))
	for _, h := range l.handles {
		out = append(out, h)
	}
	return out
}

// StopAgent terminates an agent gracefully, force-killing after the stop
// timeout. The agent is marked offline afterward.
func (l *Launcher) StopAgent(ctx context.Context, agentID string) error {
	h, err := l.Handle(agentID)
	if err != nil {
		return err
	}
	h.setState(ProcessStateStopping)

	switch h.Mode {
	case models.LaunchModeProcess:
		if h.proc != nil {
			if err := h.proc.Signal(syscall.SIGTERM); err != nil {
				log.Printf("[launcher] SIGTERM agent %s: %v", agentID, err)
			}
			select {
			case <-h.done:
			case <-time.After(l.stopTimeout):
				log.Printf("[launcher] agent %s did not exit in %s, killing", agentID, l.stopTimeout)
				if err := h.proc.Kill(); err != nil {
					log.Printf("[launcher] kill agent %s: %v", agentID, err)
				}
				<-h.done
			}
		}
	case models.LaunchModeInProcess:
		if h.cancel != nil {
			h.cancel()
			select {
			case <-h.done:
			case <-time.After(l.stopTimeout):
				log.Printf("[launcher] in-process agent %s did not stop in %s", agentID, l.stopTimeout)
			}
		}
	}

	h.setState(ProcessStateStopped)
	offline := models.AgentStatusOffline
	if err := l.coord.UpdateAgentHeartbeat(ctx, h.SessionID, agentID, memory.HeartbeatPatch{Status: &offline}); err != nil {
		log.Printf("[launcher] mark agent %s offline: %v", agentID, err)
	}
	return nil
}

// StopAll stops every managed agent.
func (l *Launcher) StopAll(ctx context.Context) {
	for _, h := range l.Handles() {
		if !h.State().active() {
			continue
		}
		if err := l.StopAgent(ctx, h.AgentID); err != nil {
			log.Printf("[launcher] stop agent %s: %v", h.AgentID, err)
		}
	}
}

// RestartAgent relaunches a failed agent with its original config, retrying
// up to the configured attempt bound with a delay between attempts.
func (l *Launcher) RestartAgent(ctx context.Context, agentID string) error {
	h, err := l.Handle(agentID)
	if err != nil {
		return err
	}
	if h.State().active() {
		return fmt.Errorf("agent %s is still active", agentID)
	}

	strategy, err := l.strategyFor(h.Config.LaunchMode)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= l.restartAttempts; attempt++ {
		newHandle, err := strategy.Launch(ctx, h.SessionID, h.Config)
		if err == nil {
			newHandle.mu.Lock()
			newHandle.restarts = h.Restarts() + 1
			newHandle.mu.Unlock()

			l.mu.Lock()
			l.handles[agentID] = newHandle
			l.mu.Unlock()

			idle := models.AgentStatusIdle
			if err := l.coord.UpdateAgentHeartbeat(ctx, h.SessionID, agentID, memory.HeartbeatPatch{Status: &idle}); err != nil {
				log.Printf("[launcher] refresh restarted agent %s: %v", agentID, err)
			}
			log.Printf("[launcher] restarted agent %s (attempt %d)", agentID, attempt)
			return nil
		}
		lastErr = err
		log.Printf("[launcher] restart agent %s attempt %d: %v", agentID, attempt, err)
		if attempt < l.restartAttempts {
			select {
			case <-time.After(l.restartDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("restart agent %s failed after %d attempts: %w", agentID, l.restartAttempts, lastErr)
}

// StartMonitor runs the health-monitoring loop until StopMonitor or ctx
// cancellation. Starting twice is a no-op.
func (l *Launcher) StartMonitor(ctx context.Context) {
	l.mu.Lock()
	if l.monitorCancel != nil {
		l.mu.Unlock()
		return
	}
	monitorCtx, cancel := context.WithCancel(ctx)
	l.monitorCancel = cancel
	l.monitorDone = make(chan struct{})
	done := l.monitorDone
	l.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				l.checkHealth(monitorCtx)
			}
		}
	}()
}

// StopMonitor stops the health-monitoring loop.
func (l *Launcher) StopMonitor() {
	l.mu.Lock()
	cancel := l.monitorCancel
	done := l.monitorDone
	l.monitorCancel = nil
	l.monitorDone = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// checkHealth refreshes metrics for every managed agent and marks failed
// those whose process exited unexpectedly or whose heartbeat went stale.
// Failure does not restart the agent; RestartAgent does that when invoked.
func (l *Launcher) checkHealth(ctx context.Context) {
	for _, h := range l.Handles() {
		state := h.State()
		if !state.active() {
			continue
		}

		if h.Mode == models.LaunchModeProcess {
			refreshProcessMetrics(h)
			select {
			case <-h.done:
				log.Printf("[launcher] agent %s process exited unexpectedly", h.AgentID)
				l.markFailed(ctx, h)
				continue
			default:
			}
		}

		agent, err := l.coord.GetAgent(ctx, h.SessionID, h.AgentID)
		if err != nil {
			// Record expired from the store: treat as a missed heartbeat.
			log.Printf("[launcher] agent %s has no store record: %v", h.AgentID, err)
			l.markFailed(ctx, h)
			continue
		}
		if time.Since(agent.LastHeartbeat) > l.heartbeatTimeout {
			log.Printf("[launcher] agent %s heartbeat stale (%s)", h.AgentID, time.Since(agent.LastHeartbeat).Round(time.Second))
			l.markFailed(ctx, h)
		}
	}
}

func (l *Launcher) markFailed(ctx context.Context, h *Handle) {
	h.setState(ProcessStateFailed)
	failed := models.AgentStatusError
	if err := l.coord.UpdateAgentHeartbeat(ctx, h.SessionID, h.AgentID, memory.HeartbeatPatch{Status: &failed}); err != nil {
		log.Printf("[launcher] mark agent %s failed: %v", h.AgentID, err)
	}
}

// refreshProcessMetrics reads memory and CPU usage for a process-mode agent
// from /proc. Errors leave the previous snapshot in place.
func refreshProcessMetrics(h *Handle) {
	pid := h.PID()
	if pid == 0 {
		return
	}

	var memMB float64
	if data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid)); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if !strings.HasPrefix(line, "VmRSS:") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseFloat(fields[1], 64); err == nil {
					memMB = kb / 1024
				}
			}
			break
		}
	}

	var cpuPercent float64
	now := time.Now()
	if data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid)); err == nil {
		// Fields 14 and 15 (1-based) are utime and stime in clock ticks.
		fields := strings.Fields(string(data))
		if len(fields) > 15 {
			utime, err1 := strconv.ParseFloat(fields[13], 64)
			stime, err2 := strconv.ParseFloat(fields[14], 64)
			if err1 == nil && err2 == nil {
				const clockTicksPerSecond = 100
				cpuTime := time.Duration((utime + stime) / clockTicksPerSecond * float64(time.Second))
				h.mu.Lock()
				if !h.prevSampleAt.IsZero() {
					wall := now.Sub(h.prevSampleAt)
					if wall > 0 {
						cpuPercent = float64(cpuTime-h.prevCPUTime) / float64(wall) * 100
					}
				}
				h.prevCPUTime = cpuTime
				h.prevSampleAt = now
				h.mu.Unlock()
			}
		}
	}

	h.mu.Lock()
	h.metrics = ProcessMetrics{MemoryMB: memMB, CPUPercent: cpuPercent, UpdatedAt: now}
	h.mu.Unlock()
}
