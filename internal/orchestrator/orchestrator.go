package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/iaminawe/taskhive/internal/memory"
	"github.com/iaminawe/taskhive/internal/state"
	"github.com/iaminawe/taskhive/internal/worker"
	"github.com/iaminawe/taskhive/pkg/models"
)

// Default tunables applied when the corresponding option is not set.
const (
	// DefaultTick is the coordination loop interval.
	DefaultTick = 1 * time.Second
	// DefaultPoolSize is the maximum number of concurrently executing tasks.
	DefaultPoolSize = 10
	// DefaultRetention is how long terminal sessions stay in live state.
	DefaultRetention = 24 * time.Hour
	// DefaultEventBuffer is the live event channel buffer size.
	DefaultEventBuffer = 256
	// DefaultMaxAgents is the per-session agent cap when the session config
	// does not set one.
	DefaultMaxAgents = 10
	// DefaultTaskTimeout bounds a single handler execution when the session
	// config does not set one.
	DefaultTaskTimeout = 5 * time.Minute
)

// purgeInterval is how often the loop checks for expired terminal sessions.
const purgeInterval = 1 * time.Minute

// Orchestrator drives sessions through their lifecycle: it schedules
// dependency-ready tasks, assigns them to capable agents, executes them
// through the handler registry, and retries failures with backoff.
type Orchestrator struct {
	coordinator *memory.Coordinator
	handlers    *worker.HandlerRegistry
	stateStore  state.Store
	logger      *DebugLogger
	emitter     *EventEmitter

	tick      time.Duration
	poolSize  int
	retention time.Duration

	mu       sync.RWMutex
	sessions map[string]*models.Session
	// pendingSig caches the last published pending-task list per session,
	// so the shared-context key is only rewritten when the list changes.
	pendingSig map[string]string

	sem       chan struct{}
	wg        sync.WaitGroup
	runCtx    context.Context
	runCancel context.CancelFunc
	runDone   chan struct{}
	started   bool
	stopped   bool
	lastPurge time.Time
}

// New creates an Orchestrator from required config and options.
func New(cfg RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("orchestrator: coordinator is required")
	}
	if cfg.Handlers == nil {
		return nil, fmt.Errorf("orchestrator: handler registry is required")
	}

	options := orchestratorOptions{
		tick:        DefaultTick,
		poolSize:    DefaultPoolSize,
		retention:   DefaultRetention,
		eventBuffer: DefaultEventBuffer,
		logger:      NopLogger(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.tick <= 0 {
		options.tick = DefaultTick
	}
	if options.poolSize <= 0 {
		options.poolSize = DefaultPoolSize
	}

	return &Orchestrator{
		coordinator: cfg.Coordinator,
		handlers:    cfg.Handlers,
		stateStore:  options.stateStore,
		logger:      options.logger,
		emitter:     NewEventEmitter(options.eventBuffer),
		tick:        options.tick,
		poolSize:    options.poolSize,
		retention:   options.retention,
		sessions:    make(map[string]*models.Session),
		pendingSig:  make(map[string]string),
		sem:         make(chan struct{}, options.poolSize),
	}, nil
}

// Start launches the coordination loop. It returns immediately; the loop
// runs until Stop is called or ctx is cancelled. Idempotent: a second call
// while the loop is running is a no-op. StartSession also starts the loop,
// so an explicit Start is only needed to tie its lifetime to a context.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startLoopLocked(ctx)
}

// startLoopLocked launches the coordination loop if it is not already
// running. Caller holds o.mu.
func (o *Orchestrator) startLoopLocked(ctx context.Context) error {
	if o.stopped {
		return fmt.Errorf("orchestrator: already stopped")
	}
	if o.started {
		return nil
	}
	o.started = true

	o.runCtx, o.runCancel = context.WithCancel(ctx)
	o.runDone = make(chan struct{})
	o.lastPurge = time.Now()

	go o.run(o.runCtx)
	o.logger.Log("orchestrator started: tick=%s pool=%d", o.tick, o.poolSize)
	return nil
}

// Stop halts the coordination loop, waits for in-flight task executions to
// finish, and closes the event channel. Safe to call once.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	started := o.started
	o.mu.Unlock()

	if started {
		o.runCancel()
		<-o.runDone
	}
	o.wg.Wait()
	o.emitter.Close()
	o.logger.Log("orchestrator stopped: dropped_events=%d", o.emitter.DroppedCount())
}

// Events returns the live event feed. Durable history is available from the
// coordinator's RecentEvents.
func (o *Orchestrator) Events() <-chan models.Event {
	return o.emitter.Events()
}

// DroppedEvents returns how many live events were dropped due to a slow
// subscriber.
func (o *Orchestrator) DroppedEvents() uint64 {
	return o.emitter.DroppedCount()
}

// emit persists the event through the coordinator and pushes it to the live
// feed. Persistence failures are logged, not fatal; the live feed still
// gets a locally-built event so subscribers see a consistent stream.
func (o *Orchestrator) emit(ctx context.Context, eventType models.EventType, sessionID string, data map[string]any, sourceAgent string) {
	event, err := o.coordinator.EmitEvent(ctx, eventType, sessionID, data, sourceAgent)
	if err != nil {
		log.Printf("[orchestrator] persist event %s for session %s: %v", eventType, sessionID, err)
		event = &models.Event{
			Type:        eventType,
			SessionID:   sessionID,
			Timestamp:   time.Now(),
			Data:        data,
			SourceAgent: sourceAgent,
		}
	}
	o.emitter.Emit(*event)
}
