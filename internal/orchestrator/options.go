package orchestrator

import (
	"time"

	"github.com/iaminawe/taskhive/internal/memory"
	"github.com/iaminawe/taskhive/internal/state"
	"github.com/iaminawe/taskhive/internal/worker"
)

// RequiredConfig contains the minimal required configuration for an
// Orchestrator. All fields are required and have no defaults.
type RequiredConfig struct {
	// Coordinator is the shared-memory coordinator for session state,
	// agent heartbeats, and events.
	Coordinator *memory.Coordinator
	// Handlers maps task types to their execution functions.
	Handlers *worker.HandlerRegistry
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	tick        time.Duration
	poolSize    int
	retention   time.Duration
	eventBuffer int
	stateStore  state.Store
	logger      *DebugLogger
}

// WithTick sets the coordination loop interval.
func WithTick(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.tick = d }
}

// WithPoolSize sets the maximum number of concurrently executing tasks.
func WithPoolSize(n int) Option {
	return func(o *orchestratorOptions) { o.poolSize = n }
}

// WithRetention sets how long terminal sessions are kept before being
// purged from live coordination state.
func WithRetention(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.retention = d }
}

// WithEventBuffer sets the buffer size of the live event channel.
func WithEventBuffer(n int) Option {
	return func(o *orchestratorOptions) { o.eventBuffer = n }
}

// WithStateStore sets the durable store for session history snapshots.
func WithStateStore(s state.Store) Option {
	return func(o *orchestratorOptions) { o.stateStore = s }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}
