package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// BuiltinHandlers returns a registry preloaded with the general-purpose
// handlers the CLI ships with. Callers register their own domain handlers
// on top.
func BuiltinHandlers() *HandlerRegistry {
	r := NewHandlerRegistry()
	r.Register("echo", HandlerFunc(echoHandler))
	r.Register("sleep", HandlerFunc(sleepHandler))
	r.Register("shell", HandlerFunc(shellHandler))
	return r
}

// echoHandler returns the message parameter, for pipeline smoke tests.
func echoHandler(ctx context.Context, params, shared map[string]any) (any, error) {
	msg, _ := params["message"].(string)
	return msg, nil
}

// sleepHandler blocks for the given duration or until the task deadline.
func sleepHandler(ctx context.Context, params, shared map[string]any) (any, error) {
	raw, _ := params["duration"].(string)
	if raw == "" {
		return nil, fmt.Errorf("sleep: duration parameter is required")
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("sleep: %w", err)
	}

	select {
	case <-time.After(d):
		return d.String(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// shellHandler runs a command and returns its combined output. The command
// inherits the task deadline through ctx.
func shellHandler(ctx context.Context, params, shared map[string]any) (any, error) {
	command, _ := params["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("shell: command parameter is required")
	}

	var args []string
	if rawArgs, ok := params["args"].([]any); ok {
		for _, a := range rawArgs {
			args = append(args, fmt.Sprint(a))
		}
	}

	cmd := exec.CommandContext(ctx, command, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("shell: %s: %w: %s", command, err, out.String())
	}
	return out.String(), nil
}
