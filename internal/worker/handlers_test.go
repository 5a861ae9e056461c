package worker

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestBuiltinHandlers_Registered(t *testing.T) {
	r := BuiltinHandlers()
	for _, taskType := range []string{"echo", "sleep", "shell"} {
		if !r.Has(taskType) {
			t.Errorf("builtin handler %q not registered", taskType)
		}
	}
}

func TestEchoHandler(t *testing.T) {
	result, err := echoHandler(context.Background(), map[string]any{"message": "hi"}, nil)
	if err != nil {
		t.Fatalf("echo failed: %v", err)
	}
	if result != "hi" {
		t.Errorf("result = %v, want %q", result, "hi")
	}
}

func TestSleepHandler(t *testing.T) {
	start := time.Now()
	if _, err := sleepHandler(context.Background(), map[string]any{"duration": "10ms"}, nil); err != nil {
		t.Fatalf("sleep failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("slept %s, want at least 10ms", elapsed)
	}

	if _, err := sleepHandler(context.Background(), map[string]any{}, nil); err == nil {
		t.Error("expected error for missing duration")
	}
	if _, err := sleepHandler(context.Background(), map[string]any{"duration": "soon"}, nil); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestSleepHandler_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sleepHandler(ctx, map[string]any{"duration": "5s"}, nil)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestShellHandler(t *testing.T) {
	result, err := shellHandler(context.Background(), map[string]any{
		"command": "echo",
		"args":    []any{"hello"},
	}, nil)
	if err != nil {
		t.Fatalf("shell failed: %v", err)
	}
	if out, _ := result.(string); !strings.Contains(out, "hello") {
		t.Errorf("output = %q, want to contain %q", out, "hello")
	}

	if _, err := shellHandler(context.Background(), map[string]any{}, nil); err == nil {
		t.Error("expected error for missing command")
	}
	if _, err := shellHandler(context.Background(), map[string]any{"command": "definitely-not-a-command"}, nil); err == nil {
		t.Error("expected error for unknown command")
	}
}
