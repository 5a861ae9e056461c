package models

import "time"

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	// AgentStatusIdle indicates the agent is ready to accept a task.
	AgentStatusIdle AgentStatus = "idle"
	// AgentStatusBusy indicates the agent is executing a task.
	AgentStatusBusy AgentStatus = "busy"
	// AgentStatusOffline indicates the agent has shut down.
	AgentStatusOffline AgentStatus = "offline"
	// AgentStatusError indicates the agent encountered an unrecoverable error.
	AgentStatusError AgentStatus = "error"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusOffline, AgentStatusError:
		return true
	default:
		return false
	}
}

// LaunchMode selects how an agent worker is started.
type LaunchMode string

const (
	// LaunchModeProcess runs the agent as an independent OS process.
	LaunchModeProcess LaunchMode = "process"
	// LaunchModeInProcess runs the agent as a goroutine in the launcher's
	// address space.
	LaunchModeInProcess LaunchMode = "in_process"
	// LaunchModeContainer is reserved; launching it returns an
	// unsupported-mode error.
	LaunchModeContainer LaunchMode = "container"
	// LaunchModeRemote is reserved; launching it returns an
	// unsupported-mode error.
	LaunchModeRemote LaunchMode = "remote"
)

// Valid returns true if the mode is a known value.
func (m LaunchMode) Valid() bool {
	switch m {
	case LaunchModeProcess, LaunchModeInProcess, LaunchModeContainer, LaunchModeRemote:
		return true
	default:
		return false
	}
}

// ResourceLimits bounds the resources an agent may consume.
type ResourceLimits struct {
	// MemoryMB is the maximum resident memory in megabytes.
	MemoryMB int `json:"memory_mb" yaml:"memory_mb"`
	// CPUPercent is the maximum CPU share as a percentage of one core.
	CPUPercent float64 `json:"cpu_percent" yaml:"cpu_percent"`
}

// Agent represents a capability-tagged worker that executes tasks.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Name is the human-readable display name.
	Name string `json:"name"`
	// Capabilities lists the capability tags this agent can serve.
	Capabilities []string `json:"capabilities"`
	// Status is the current state of the agent.
	Status AgentStatus `json:"status"`
	// CurrentTask is the ID of the task being executed, if any.
	// It is a lookup reference only.
	CurrentTask string `json:"current_task,omitempty"`
	// LastHeartbeat is when the agent last reported liveness.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// ResourceLimits bounds the agent's resource consumption.
	ResourceLimits ResourceLimits `json:"resource_limits"`
	// TasksCompleted counts tasks this agent finished successfully.
	TasksCompleted int `json:"tasks_completed"`
	// TasksFailed counts task executions that ended in error.
	TasksFailed int `json:"tasks_failed"`
}

// HasCapability returns true if the agent's capability set contains cap.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// CanExecute returns true if the agent's capability set intersects the
// required set. An empty required set matches any agent.
func (a *Agent) CanExecute(required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, cap := range required {
		if a.HasCapability(cap) {
			return true
		}
	}
	return false
}

// AgentDef is the caller-supplied definition used to build an Agent.
type AgentDef struct {
	// ID is the unique identifier; derived if empty.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`
	// Name is the human-readable display name.
	Name string `json:"name" yaml:"name"`
	// Capabilities lists the capability tags this agent serves.
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	// ResourceLimits bounds the agent's resource consumption.
	ResourceLimits ResourceLimits `json:"resource_limits" yaml:"resource_limits"`
}
