package models

import "time"

// SessionStatus represents the current state of a session.
type SessionStatus string

const (
	// SessionStatusInitializing indicates the session is created but not started.
	SessionStatusInitializing SessionStatus = "initializing"
	// SessionStatusActive indicates tasks may be assigned and executed.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusCompleting indicates the session is draining in-flight work.
	SessionStatusCompleting SessionStatus = "completing"
	// SessionStatusCompleted indicates every task reached a terminal state.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusFailed indicates the session ended in an unrecoverable error.
	SessionStatusFailed SessionStatus = "failed"
	// SessionStatusCancelled indicates the session was stopped by the caller.
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusInitializing, SessionStatusActive, SessionStatusCompleting,
		SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a final state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// RetryPolicy controls how failed task executions are retried.
type RetryPolicy struct {
	// MaxRetries is the default retry bound for tasks that don't set one.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
	// BackoffMultiplier scales the delay after each failed attempt.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// SessionConfig holds per-session tunables.
type SessionConfig struct {
	// MaxAgents is the maximum number of agents in the session.
	MaxAgents int `json:"max_agents" yaml:"max_agents"`
	// TaskTimeout bounds a single handler execution.
	TaskTimeout time.Duration `json:"task_timeout" yaml:"task_timeout"`
	// RetryPolicy controls retry behavior for failed tasks.
	RetryPolicy RetryPolicy `json:"retry_policy" yaml:"retry_policy"`
}

// Progress summarizes task completion for a session.
type Progress struct {
	// Total is the number of tasks in the session.
	Total int `json:"total"`
	// Completed is the number of tasks that finished successfully.
	Completed int `json:"completed"`
	// Failed is the number of tasks that failed permanently.
	Failed int `json:"failed"`
	// Percentage is the share of tasks in a terminal state, 0-100.
	Percentage float64 `json:"percentage"`
}

// Session represents one orchestrated unit of work containing tasks and agents.
type Session struct {
	// ID is the unique identifier for this session.
	ID string `json:"id"`
	// Name is the human-readable display name.
	Name string `json:"name"`
	// Status is the current state of the session.
	Status SessionStatus `json:"status"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the session transitioned to active, if it has.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the session reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// TaskOrder preserves task creation order for stable scheduling.
	TaskOrder []string `json:"task_order"`
	// AgentOrder preserves agent registration order for deterministic assignment.
	AgentOrder []string `json:"agent_order"`
	// Tasks maps task ID to task.
	Tasks map[string]*Task `json:"tasks"`
	// Agents maps agent ID to agent.
	Agents map[string]*Agent `json:"agents"`
	// Context is the free-form shared-context map visible to handlers.
	Context map[string]any `json:"context,omitempty"`
	// Config holds per-session tunables.
	Config SessionConfig `json:"config"`
	// Progress summarizes task completion.
	Progress Progress `json:"progress"`
}

// OrderedTasks returns the session's tasks in creation order.
func (s *Session) OrderedTasks() []*Task {
	tasks := make([]*Task, 0, len(s.TaskOrder))
	for _, id := range s.TaskOrder {
		if t, ok := s.Tasks[id]; ok {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// OrderedAgents returns the session's agents in registration order.
func (s *Session) OrderedAgents() []*Agent {
	agents := make([]*Agent, 0, len(s.AgentOrder))
	for _, id := range s.AgentOrder {
		if a, ok := s.Agents[id]; ok {
			agents = append(agents, a)
		}
	}
	return agents
}
