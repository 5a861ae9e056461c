package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting for assignment.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusAssigned indicates the task has been matched to an agent.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusInProgress indicates the task is being executed.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task completed successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed permanently.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before completion.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusAssigned, TaskStatusInProgress,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Task represents a single unit of work inside a session.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Type selects the registered handler that executes this task.
	Type string `json:"type"`
	// Params is the parameter bag passed to the handler.
	Params map[string]any `json:"params,omitempty"`
	// Priority orders assignment; higher values are assigned sooner.
	Priority int `json:"priority"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// AssignedAgent is the ID of the agent working on this task.
	// It is a lookup reference only; the agent is owned by the session.
	AssignedAgent string `json:"assigned_agent,omitempty"`
	// RequiredCapabilities lists capability tags an agent must cover
	// to be eligible for this task.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when execution began, if it has.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Result holds the handler's output for a completed task.
	Result any `json:"result,omitempty"`
	// Error contains the last error message if execution failed.
	Error string `json:"error,omitempty"`
	// RetryCount is the number of failed attempts so far.
	RetryCount int `json:"retry_count,omitempty"`
	// NextRetryAt delays re-scheduling of a requeued task until the retry
	// policy's backoff has elapsed.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	// MaxRetries is the number of failed attempts after which the task
	// becomes terminally failed.
	MaxRetries int `json:"max_retries"`
}

// TaskDef is the caller-supplied definition used to build a Task.
type TaskDef struct {
	// Type selects the registered handler.
	Type string `json:"type" yaml:"type"`
	// Params is the parameter bag passed to the handler.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	// Priority orders assignment; higher values are assigned sooner.
	Priority int `json:"priority" yaml:"priority"`
	// RequiredCapabilities lists capability tags an agent must cover.
	RequiredCapabilities []string `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	// Dependencies lists IDs of tasks that must complete first.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	// MaxRetries bounds retry attempts; unset falls back to the session
	// retry policy's bound.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}
