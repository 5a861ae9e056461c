package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/iaminawe/taskhive/internal/memory"
	"github.com/iaminawe/taskhive/internal/store"
	"github.com/iaminawe/taskhive/pkg/models"
)

func newTestMemory(t *testing.T) *memory.Coordinator {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return memory.New(s)
}

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()

	r.Register("csv_filter", HandlerFunc(func(ctx context.Context, params, shared map[string]any) (any, error) {
		return "ok", nil
	}))

	if !r.Has("csv_filter") {
		t.Error("expected csv_filter to be registered")
	}

	h, err := r.Get("csv_filter")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := h.Execute(context.Background(), nil, nil)
	if err != nil || out != "ok" {
		t.Errorf("expected ok, got %v err=%v", out, err)
	}

	_, err = r.Get("ftp_download")
	var unknownErr *UnknownTypeError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
	if unknownErr.Type != "ftp_download" {
		t.Errorf("expected type ftp_download in error, got %q", unknownErr.Type)
	}
}

func TestEnvConfigRoundTrip(t *testing.T) {
	cfg := EnvConfig{
		AgentID:           "a1",
		AgentName:         "csv agent",
		SessionID:         "s1",
		Capabilities:      []string{"csv_processing", "reporting"},
		HeartbeatInterval: 5 * time.Second,
		MaxTasks:          3,
		StoreAddr:         "mem://local",
	}

	for _, kv := range cfg.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				t.Setenv(kv[:i], kv[i+1:])
				break
			}
		}
	}

	got, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AgentID != cfg.AgentID || got.SessionID != cfg.SessionID {
		t.Errorf("identity mismatch: %+v", got)
	}
	if len(got.Capabilities) != 2 || got.Capabilities[0] != "csv_processing" {
		t.Errorf("capabilities mismatch: %v", got.Capabilities)
	}
	if got.HeartbeatInterval != 5*time.Second {
		t.Errorf("heartbeat interval mismatch: %v", got.HeartbeatInterval)
	}
	if got.MaxTasks != 3 {
		t.Errorf("max tasks mismatch: %d", got.MaxTasks)
	}
	if got.StoreAddr != "mem://local" {
		t.Errorf("store addr mismatch: %q", got.StoreAddr)
	}
}

func TestConfigFromEnvMissingIdentity(t *testing.T) {
	t.Setenv(EnvAgentID, "")
	t.Setenv(EnvSessionID, "s1")
	t.Setenv(EnvCapabilities, "x")

	if _, err := ConfigFromEnv(); err == nil {
		t.Error("expected error for missing agent id")
	}

	t.Setenv(EnvAgentID, "a1")
	t.Setenv(EnvCapabilities, "")
	if _, err := ConfigFromEnv(); err == nil {
		t.Error("expected error for empty capability set")
	}
}

func workerConfig(maxTasks int) EnvConfig {
	return EnvConfig{
		AgentID:           "a1",
		AgentName:         "worker",
		SessionID:         "s1",
		Capabilities:      []string{"csv_processing"},
		HeartbeatInterval: 20 * time.Millisecond,
		MaxTasks:          maxTasks,
	}
}

func waitForResult(t *testing.T, coord *memory.Coordinator, sessionID, taskID string) TaskResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var result TaskResult
		err := coord.GetContext(context.Background(), sessionID, ResultKeyPrefix+taskID, &result)
		if err == nil {
			return result
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for result of %s", taskID)
	return TaskResult{}
}

func TestWorkerExecutesMatchingTask(t *testing.T) {
	coord := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewHandlerRegistry()
	registry.Register("csv_filter", HandlerFunc(func(ctx context.Context, params, shared map[string]any) (any, error) {
		return fmt.Sprintf("filtered %v", params["file"]), nil
	}))

	pending := []*models.Task{
		{ID: "t1", Type: "csv_filter", Params: map[string]any{"file": "products.csv"}, RequiredCapabilities: []string{"csv_processing"}},
	}
	if err := coord.SetContext(ctx, "s1", ContextKeyPendingTasks, pending); err != nil {
		t.Fatalf("seed pending tasks: %v", err)
	}

	w := New(workerConfig(1), coord, registry, WithPollInterval(10*time.Millisecond), WithShutdownGrace(time.Second))
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	result := waitForResult(t, coord, "s1", "t1")
	if result.Error != "" {
		t.Fatalf("unexpected task error: %s", result.Error)
	}
	if result.Result != "filtered products.csv" {
		t.Errorf("unexpected result: %v", result.Result)
	}
	if result.AgentID != "a1" {
		t.Errorf("unexpected agent: %s", result.AgentID)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("worker run: %v", err)
	}

	// Shutdown marks the agent offline.
	agent, err := coord.GetAgent(context.Background(), "s1", "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != models.AgentStatusOffline {
		t.Errorf("expected offline after shutdown, got %s", agent.Status)
	}
}

func TestWorkerSkipsNonMatchingTasks(t *testing.T) {
	coord := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewHandlerRegistry()
	registry.Register("csv_filter", HandlerFunc(func(ctx context.Context, params, shared map[string]any) (any, error) {
		return "ok", nil
	}))

	pending := []*models.Task{
		// No handler registered for this type.
		{ID: "t1", Type: "image_upload", RequiredCapabilities: []string{"csv_processing"}},
		// Capability mismatch.
		{ID: "t2", Type: "csv_filter", RequiredCapabilities: []string{"ftp"}},
		// Matches.
		{ID: "t3", Type: "csv_filter", RequiredCapabilities: []string{"csv_processing"}},
	}
	if err := coord.SetContext(ctx, "s1", ContextKeyPendingTasks, pending); err != nil {
		t.Fatalf("seed pending tasks: %v", err)
	}

	w := New(workerConfig(2), coord, registry, WithPollInterval(10*time.Millisecond), WithShutdownGrace(time.Second))
	go w.Run(ctx)

	waitForResult(t, coord, "s1", "t3")

	var skipped TaskResult
	if err := coord.GetContext(ctx, "s1", ResultKeyPrefix+"t1", &skipped); err == nil {
		t.Error("expected no result for task with unregistered handler")
	}
	if err := coord.GetContext(ctx, "s1", ResultKeyPrefix+"t2", &skipped); err == nil {
		t.Error("expected no result for capability-mismatched task")
	}
}

func TestWorkerClaimPreventsDoubleExecution(t *testing.T) {
	coord := newTestMemory(t)
	ctx := context.Background()

	claimed, err := coord.ClaimTask(ctx, "s1", "t1")
	if err != nil || !claimed {
		t.Fatalf("first claim should win: %v %v", claimed, err)
	}
	claimed, err = coord.ClaimTask(ctx, "s1", "t1")
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if claimed {
		t.Error("second claim should lose")
	}
}

func TestWorkerHeartbeatRefreshes(t *testing.T) {
	coord := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(workerConfig(1), coord, NewHandlerRegistry(), WithPollInterval(time.Hour), WithShutdownGrace(time.Second))
	go w.Run(ctx)

	// Wait for registration.
	deadline := time.Now().Add(time.Second)
	var first time.Time
	for time.Now().Before(deadline) {
		if a, err := coord.GetAgent(ctx, "s1", "a1"); err == nil {
			first = a.LastHeartbeat
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if first.IsZero() {
		t.Fatal("agent never registered")
	}

	time.Sleep(60 * time.Millisecond)
	a, err := coord.GetAgent(ctx, "s1", "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if !a.LastHeartbeat.After(first) {
		t.Error("expected heartbeat timestamp to advance")
	}
}
