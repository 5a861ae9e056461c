package models

import "time"

// EventType represents the kind of orchestration event.
type EventType string

const (
	// EventSessionCreated indicates a session was created.
	EventSessionCreated EventType = "session_created"
	// EventSessionUpdated indicates a session record changed.
	EventSessionUpdated EventType = "session_updated"
	// EventSessionCompleted indicates a session reached completed.
	EventSessionCompleted EventType = "session_completed"
	// EventSessionCancelled indicates a session was stopped by the caller.
	EventSessionCancelled EventType = "session_cancelled"
	// EventTaskAssigned indicates a task was matched to an agent.
	EventTaskAssigned EventType = "task_assigned"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task execution failed.
	EventTaskFailed EventType = "task_failed"
	// EventAgentRegistered indicates an agent joined a session.
	EventAgentRegistered EventType = "agent_registered"
	// EventAgentHeartbeat indicates an agent reported liveness.
	EventAgentHeartbeat EventType = "agent_heartbeat"
	// EventContextUpdated indicates a shared-context key changed.
	EventContextUpdated EventType = "context_updated"
)

// Event is a structured progress event emitted by the orchestration core.
// A delivery layer (WebSocket, SSE) forwards these to consumers; the core
// only produces them.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`
	// Type is the kind of event.
	Type EventType `json:"type"`
	// SessionID is the session this event belongs to.
	SessionID string `json:"session_id"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// Data carries event-specific details.
	Data map[string]any `json:"data,omitempty"`
	// SourceAgent is the agent that produced the event, if any.
	SourceAgent string `json:"source_agent,omitempty"`
}
