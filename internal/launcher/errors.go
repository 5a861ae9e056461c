package launcher

import (
	"errors"
	"fmt"
)

// ErrResourceExhausted indicates a launch was rejected by the memory or
// agent-count guard. No process or goroutine was started.
var ErrResourceExhausted = errors.New("launcher: resource limits exceeded")

// ErrUnsupportedLaunchMode indicates a launch mode with no implementation
// (container, remote). Launching one fails loudly; it is never a no-op.
var ErrUnsupportedLaunchMode = errors.New("launcher: launch mode not supported")

// ErrAgentNotFound indicates no managed handle exists for the agent.
var ErrAgentNotFound = errors.New("launcher: agent not found")

// ValidationError indicates a bad agent configuration, rejected
// synchronously before anything is started.
type ValidationError struct {
	// Field names the invalid configuration field.
	Field string
	// Reason describes why the value is invalid.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid agent config: %s %s", e.Field, e.Reason)
}
