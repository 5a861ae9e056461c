package launcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iaminawe/taskhive/internal/memory"
	"github.com/iaminawe/taskhive/internal/store"
	"github.com/iaminawe/taskhive/pkg/models"
)

// stubStrategy records launches without starting anything.
type stubStrategy struct {
	mu       sync.Mutex
	launches []AgentConfig
	failWith error
}

func (s *stubStrategy) Launch(_ context.Context, sessionID string, cfg AgentConfig) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.launches = append(s.launches, cfg)
	return &Handle{
		AgentID:   cfg.ID,
		SessionID: sessionID,
		Config:    cfg,
		Mode:      cfg.LaunchMode,
		state:     ProcessStateRunning,
		done:      make(chan struct{}),
	}, nil
}

func (s *stubStrategy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.launches)
}

func newTestLauncher(t *testing.T, opts ...Option) (*Launcher, *memory.Coordinator, *stubStrategy) {
	t.Helper()
	ms := store.NewMemoryStore()
	t.Cleanup(func() { ms.Close() })
	coord := memory.New(ms)
	stub := &stubStrategy{}
	opts = append([]Option{
		WithProcessStrategy(stub),
		WithInProcessStrategy(stub),
	}, opts...)
	return New(coord, NewTemplateRegistry(), opts...), coord, stub
}

func validConfig() AgentConfig {
	return AgentConfig{
		ID:                "a1",
		Name:              "csv agent",
		Capabilities:      []string{"csv_processing"},
		ResourceLimits:    models.ResourceLimits{MemoryMB: 256, CPUPercent: 50},
		LaunchMode:        models.LaunchModeInProcess,
		HeartbeatInterval: Duration(15 * time.Second),
		MaxTasks:          1,
	}
}

func TestLaunchAgentValidation(t *testing.T) {
	l, _, stub := newTestLauncher(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*AgentConfig)
	}{
		{"empty id", func(c *AgentConfig) { c.ID = "" }},
		{"empty name", func(c *AgentConfig) { c.Name = "" }},
		{"no capabilities", func(c *AgentConfig) { c.Capabilities = nil }},
		{"zero memory", func(c *AgentConfig) { c.ResourceLimits.MemoryMB = 0 }},
		{"memory above cap", func(c *AgentConfig) { c.ResourceLimits.MemoryMB = 8193 }},
		{"zero cpu", func(c *AgentConfig) { c.ResourceLimits.CPUPercent = 0 }},
		{"cpu above 100", func(c *AgentConfig) { c.ResourceLimits.CPUPercent = 101 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := l.LaunchAgent(ctx, "s1", cfg)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}

	if stub.count() != 0 {
		t.Errorf("validation failures must not start anything, got %d launches", stub.count())
	}
}

func TestLaunchAgentUnsupportedModes(t *testing.T) {
	l, _, stub := newTestLauncher(t)
	ctx := context.Background()

	for _, mode := range []models.LaunchMode{models.LaunchModeContainer, models.LaunchModeRemote} {
		cfg := validConfig()
		cfg.LaunchMode = mode
		err := l.LaunchAgent(ctx, "s1", cfg)
		if !errors.Is(err, ErrUnsupportedLaunchMode) {
			t.Errorf("mode %s: expected ErrUnsupportedLaunchMode, got %v", mode, err)
		}
	}
	if stub.count() != 0 {
		t.Error("unsupported modes must not be silently launched")
	}
}

func TestLaunchAgentCountGuard(t *testing.T) {
	l, _, _ := newTestLauncher(t, WithMaxAgents(2))
	ctx := context.Background()

	for _, id := range []string{"a1", "a2"} {
		cfg := validConfig()
		cfg.ID = id
		if err := l.LaunchAgent(ctx, "s1", cfg); err != nil {
			t.Fatalf("launch %s: %v", id, err)
		}
	}

	cfg := validConfig()
	cfg.ID = "a3"
	err := l.LaunchAgent(ctx, "s1", cfg)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted at agent cap, got %v", err)
	}
}

func TestLaunchAgentRegistersWithCoordinator(t *testing.T) {
	l, coord, _ := newTestLauncher(t)
	ctx := context.Background()

	if err := l.LaunchAgent(ctx, "s1", validConfig()); err != nil {
		t.Fatalf("launch: %v", err)
	}

	agent, err := coord.GetAgent(ctx, "s1", "a1")
	if err != nil {
		t.Fatalf("agent not registered: %v", err)
	}
	if agent.Status != models.AgentStatusIdle {
		t.Errorf("expected idle, got %s", agent.Status)
	}
}

func TestLaunchAgentDuplicateID(t *testing.T) {
	l, _, _ := newTestLauncher(t)
	ctx := context.Background()

	if err := l.LaunchAgent(ctx, "s1", validConfig()); err != nil {
		t.Fatalf("launch: %v", err)
	}
	err := l.LaunchAgent(ctx, "s1", validConfig())
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError for duplicate id, got %v", err)
	}
}

func TestHealthCheckMarksStaleHeartbeatFailed(t *testing.T) {
	l, coord, _ := newTestLauncher(t, WithHeartbeatTimeout(30*time.Millisecond))
	ctx := context.Background()

	if err := l.LaunchAgent(ctx, "s1", validConfig()); err != nil {
		t.Fatalf("launch: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	l.checkHealth(ctx)

	h, err := l.Handle("a1")
	if err != nil {
		t.Fatal(err)
	}
	if h.State() != ProcessStateFailed {
		t.Errorf("expected failed after stale heartbeat, got %s", h.State())
	}

	agent, err := coord.GetAgent(ctx, "s1", "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != models.AgentStatusError {
		t.Errorf("expected error status in store, got %s", agent.Status)
	}
}

func TestHealthCheckKeepsFreshAgents(t *testing.T) {
	l, coord, _ := newTestLauncher(t, WithHeartbeatTimeout(time.Minute))
	ctx := context.Background()

	if err := l.LaunchAgent(ctx, "s1", validConfig()); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if err := coord.UpdateAgentHeartbeat(ctx, "s1", "a1", memory.HeartbeatPatch{}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	l.checkHealth(ctx)

	h, _ := l.Handle("a1")
	if h.State() != ProcessStateRunning {
		t.Errorf("fresh agent should stay running, got %s", h.State())
	}
}

func TestRestartAgentBoundedAttempts(t *testing.T) {
	l, _, stub := newTestLauncher(t, WithRestartPolicy(2, time.Millisecond))
	ctx := context.Background()

	if err := l.LaunchAgent(ctx, "s1", validConfig()); err != nil {
		t.Fatalf("launch: %v", err)
	}
	h, _ := l.Handle("a1")
	h.setState(ProcessStateFailed)

	if err := l.RestartAgent(ctx, "a1"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	h, _ = l.Handle("a1")
	if h.Restarts() != 1 {
		t.Errorf("expected restart count 1, got %d", h.Restarts())
	}

	// With the strategy failing, the bounded retry path gives up.
	h.setState(ProcessStateFailed)
	stub.mu.Lock()
	stub.failWith = errors.New("spawn refused")
	stub.mu.Unlock()

	if err := l.RestartAgent(ctx, "a1"); err == nil {
		t.Error("expected error after exhausted restart attempts")
	}
}

func TestRestartActiveAgentRejected(t *testing.T) {
	l, _, _ := newTestLauncher(t)
	ctx := context.Background()

	if err := l.LaunchAgent(ctx, "s1", validConfig()); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if err := l.RestartAgent(ctx, "a1"); err == nil {
		t.Error("expected error restarting an active agent")
	}
}

func TestLaunchSwarmWithAutoScale(t *testing.T) {
	l, coord, stub := newTestLauncher(t)
	ctx := context.Background()

	// One agent already covers csv_processing.
	existing := &models.Agent{ID: "pre", Capabilities: []string{"csv_processing"}, Status: models.AgentStatusIdle}
	if err := coord.RegisterAgent(ctx, "s1", existing); err != nil {
		t.Fatal(err)
	}

	launched, err := l.LaunchSwarm(ctx, "s1", SwarmConfig{
		Agents: []SwarmAgentSpec{
			{Template: "monitor"},
		},
		AutoScale:            true,
		RequiredCapabilities: []string{"csv_processing", "ftp_download"},
	})
	if err != nil {
		t.Fatalf("swarm: %v", err)
	}

	// monitor agent + one auto-scaled transfer agent; csv is covered.
	if len(launched) != 2 {
		t.Fatalf("expected 2 launched agents, got %d: %v", len(launched), launched)
	}
	if stub.count() != 2 {
		t.Errorf("expected 2 strategy launches, got %d", stub.count())
	}

	foundTransfer := false
	stub.mu.Lock()
	for _, cfg := range stub.launches {
		for _, cap := range cfg.Capabilities {
			if cap == "ftp_download" {
				foundTransfer = true
			}
			if cap == "csv_processing" {
				t.Error("csv_processing was already covered, should not auto-scale")
			}
		}
	}
	stub.mu.Unlock()
	if !foundTransfer {
		t.Error("expected an auto-scaled agent covering ftp_download")
	}
}

func TestStopAgentInProcess(t *testing.T) {
	ms := store.NewMemoryStore()
	t.Cleanup(func() { ms.Close() })
	coord := memory.New(ms)
	l := New(coord, NewTemplateRegistry(), WithStopTimeout(time.Second))
	ctx := context.Background()

	cfg := validConfig()
	cfg.HeartbeatInterval = Duration(10 * time.Millisecond)
	if err := l.LaunchAgent(ctx, "s1", cfg); err != nil {
		t.Fatalf("launch: %v", err)
	}

	if err := l.StopAgent(ctx, "a1"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	h, _ := l.Handle("a1")
	if h.State() != ProcessStateStopped {
		t.Errorf("expected stopped, got %s", h.State())
	}
	agent, err := coord.GetAgent(ctx, "s1", "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != models.AgentStatusOffline {
		t.Errorf("expected offline after stop, got %s", agent.Status)
	}
}
