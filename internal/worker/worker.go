package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/iaminawe/taskhive/internal/memory"
	"github.com/iaminawe/taskhive/pkg/models"
)

const (
	// ContextKeyPendingTasks is the shared-context key the orchestrating
	// side writes pull-mode task lists under.
	ContextKeyPendingTasks = "pending_tasks"
	// ResultKeyPrefix prefixes the shared-context key a task result is
	// written under.
	ResultKeyPrefix = "result:"

	// defaultPollInterval is how often the worker checks for pending tasks.
	defaultPollInterval = 2 * time.Second
	// defaultShutdownGrace bounds the wait for in-flight tasks on shutdown.
	defaultShutdownGrace = 30 * time.Second
)

// TaskResult is what a worker writes back into shared context for each
// executed task.
type TaskResult struct {
	// TaskID is the executed task.
	TaskID string `json:"task_id"`
	// AgentID is the worker that executed it.
	AgentID string `json:"agent_id"`
	// Result is the handler output on success.
	Result any `json:"result,omitempty"`
	// Error is the handler error message on failure.
	Error string `json:"error,omitempty"`
	// CompletedAt is when execution finished.
	CompletedAt time.Time `json:"completed_at"`
}

// Worker is the loop inside a launched agent. One Worker serves one session.
type Worker struct {
	cfg      EnvConfig
	coord    *memory.Coordinator
	registry *HandlerRegistry

	pollInterval  time.Duration
	shutdownGrace time.Duration

	mu      sync.Mutex
	current map[string]struct{} // task IDs being executed
	done    int
	failed  int
	wg      sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithPollInterval sets how often the worker polls for pending tasks.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithShutdownGrace bounds the wait for in-flight tasks on shutdown.
func WithShutdownGrace(d time.Duration) Option {
	return func(w *Worker) { w.shutdownGrace = d }
}

// New creates a Worker from its launch config, a memory coordinator, and a
// handler registry.
func New(cfg EnvConfig, coord *memory.Coordinator, registry *HandlerRegistry, opts ...Option) *Worker {
	w := &Worker{
		cfg:           cfg,
		coord:         coord,
		registry:      registry,
		pollInterval:  defaultPollInterval,
		shutdownGrace: defaultShutdownGrace,
		current:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run registers the agent, starts the heartbeat sub-loop, and polls for
// matching tasks until ctx is cancelled. On shutdown it waits up to the
// grace period for in-flight tasks, then marks the agent offline.
func (w *Worker) Run(ctx context.Context) error {
	agent := &models.Agent{
		ID:           w.cfg.AgentID,
		Name:         w.cfg.AgentName,
		Capabilities: w.cfg.Capabilities,
		Status:       models.AgentStatusIdle,
	}
	if err := w.coord.RegisterAgent(ctx, w.cfg.SessionID, agent); err != nil {
		return err
	}

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeatLoop(hbCtx)
	}()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown(stopHeartbeat, hbDone)
			return nil
		case <-ticker.C:
			if err := w.pollOnce(ctx); err != nil {
				log.Printf("[worker %s] poll: %v", w.cfg.AgentID, err)
			}
		}
	}
}

// heartbeatLoop pushes the agent's status, current task load, and counters
// on the configured interval. It runs independently of the poll loop.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sendHeartbeat(ctx)
		}
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context) {
	w.mu.Lock()
	status := models.AgentStatusIdle
	if len(w.current) > 0 {
		status = models.AgentStatusBusy
	}
	currentTask := ""
	for id := range w.current {
		currentTask = id
		break
	}
	done, failed := w.done, w.failed
	w.mu.Unlock()

	err := w.coord.UpdateAgentHeartbeat(ctx, w.cfg.SessionID, w.cfg.AgentID, memory.HeartbeatPatch{
		Status:         &status,
		CurrentTask:    &currentTask,
		TasksCompleted: &done,
		TasksFailed:    &failed,
	})
	if err != nil {
		log.Printf("[worker %s] heartbeat: %v", w.cfg.AgentID, err)
	}
}

// pollOnce reads the pending-task list from shared context and accepts every
// task it can: registered handler, capability overlap, unclaimed, and room
// under MaxTasks. Accepted tasks execute concurrently.
func (w *Worker) pollOnce(ctx context.Context) error {
	var pending []*models.Task
	err := w.coord.GetContext(ctx, w.cfg.SessionID, ContextKeyPendingTasks, &pending)
	if errors.Is(err, memory.ErrContextKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	self := &models.Agent{ID: w.cfg.AgentID, Capabilities: w.cfg.Capabilities}
	for _, task := range pending {
		w.mu.Lock()
		load := len(w.current)
		_, executing := w.current[task.ID]
		w.mu.Unlock()

		if load >= w.cfg.MaxTasks {
			return nil
		}
		if executing {
			continue
		}
		if !w.registry.Has(task.Type) {
			continue
		}
		if !self.CanExecute(task.RequiredCapabilities) {
			continue
		}

		claimed, err := w.coord.ClaimTask(ctx, w.cfg.SessionID, task.ID)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}

		w.mu.Lock()
		w.current[task.ID] = struct{}{}
		w.mu.Unlock()

		w.wg.Add(1)
		go w.execute(ctx, task)
	}
	return nil
}

// execute runs one claimed task and writes its result into shared context.
func (w *Worker) execute(ctx context.Context, task *models.Task) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.current, task.ID)
		w.mu.Unlock()
	}()

	result := TaskResult{TaskID: task.ID, AgentID: w.cfg.AgentID}

	handler, err := w.registry.Get(task.Type)
	if err != nil {
		result.Error = err.Error()
	} else {
		sharedCtx, err := w.coord.GetAllContext(ctx, w.cfg.SessionID)
		if err != nil {
			log.Printf("[worker %s] read shared context: %v", w.cfg.AgentID, err)
			sharedCtx = map[string]any{}
		}
		out, err := handler.Execute(ctx, task.Params, sharedCtx)
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Result = out
		}
	}
	result.CompletedAt = time.Now()

	w.mu.Lock()
	if result.Error == "" {
		w.done++
	} else {
		w.failed++
	}
	w.mu.Unlock()

	if err := w.coord.SetContext(ctx, w.cfg.SessionID, ResultKeyPrefix+task.ID, result); err != nil {
		log.Printf("[worker %s] write result for %s: %v", w.cfg.AgentID, task.ID, err)
	}
}

// shutdown waits for in-flight tasks up to the grace period, then marks the
// agent offline and stops the heartbeat loop.
func (w *Worker) shutdown(stopHeartbeat context.CancelFunc, hbDone <-chan struct{}) {
	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(w.shutdownGrace):
		log.Printf("[worker %s] shutdown grace expired with tasks in flight", w.cfg.AgentID)
	}

	stopHeartbeat()
	<-hbDone

	offline := models.AgentStatusOffline
	none := ""
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := w.coord.UpdateAgentHeartbeat(shutdownCtx, w.cfg.SessionID, w.cfg.AgentID, memory.HeartbeatPatch{
		Status:      &offline,
		CurrentTask: &none,
	})
	if err != nil {
		log.Printf("[worker %s] mark offline: %v", w.cfg.AgentID, err)
	}
}
