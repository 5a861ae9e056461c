package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iaminawe/taskhive/internal/store"
	"github.com/iaminawe/taskhive/pkg/models"
)

func newTestCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return New(s, opts...)
}

func testSession(id string) *models.Session {
	return &models.Session{
		ID:        id,
		Name:      "test session",
		Status:    models.SessionStatusInitializing,
		CreatedAt: time.Now(),
		Tasks:     map[string]*models.Task{},
		Agents:    map[string]*models.Agent{},
	}
}

func TestSessionCRUD(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.CreateSession(ctx, testSession("s1")))

	got, err := c.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, models.SessionStatusInitializing, got.Status)

	got.Status = models.SessionStatusActive
	require.NoError(t, c.UpdateSession(ctx, got))

	got, err = c.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, got.Status)

	ids, err := c.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)

	require.NoError(t, c.DeleteSession(ctx, "s1"))
	_, err = c.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	ids, err = c.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSharedContext(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.SetContext(ctx, "s1", "filter", map[string]any{"column": "price"}))
	require.NoError(t, c.SetContext(ctx, "s1", "rows", 42.0))

	var rows float64
	require.NoError(t, c.GetContext(ctx, "s1", "rows", &rows))
	assert.Equal(t, 42.0, rows)

	all, err := c.GetAllContext(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, 42.0, all["rows"])

	var missing any
	assert.ErrorIs(t, c.GetContext(ctx, "s1", "nope", &missing), ErrContextKeyNotFound)

	require.NoError(t, c.DeleteContext(ctx, "s1", "rows"))
	assert.ErrorIs(t, c.GetContext(ctx, "s1", "rows", &rows), ErrContextKeyNotFound)
}

func TestAgentRegistrationAndHeartbeat(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	agent := &models.Agent{
		ID:           "a1",
		Name:         "csv agent",
		Capabilities: []string{"csv_processing"},
		Status:       models.AgentStatusIdle,
	}
	require.NoError(t, c.RegisterAgent(ctx, "s1", agent))

	agents, err := c.ListAgents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.False(t, agents[0].LastHeartbeat.IsZero(), "registration stamps a heartbeat")

	busy := models.AgentStatusBusy
	task := "t1"
	done := 3
	require.NoError(t, c.UpdateAgentHeartbeat(ctx, "s1", "a1", HeartbeatPatch{
		Status:         &busy,
		CurrentTask:    &task,
		TasksCompleted: &done,
	}))

	got, err := c.GetAgent(ctx, "s1", "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusBusy, got.Status)
	assert.Equal(t, "t1", got.CurrentTask)
	assert.Equal(t, 3, got.TasksCompleted)

	err = c.UpdateAgentHeartbeat(ctx, "s1", "ghost", HeartbeatPatch{})
	assert.Error(t, err, "heartbeat for unregistered agent fails")
}

func TestFindAvailableAgents(t *testing.T) {
	c := newTestCoordinator(t, WithFreshnessWindow(50*time.Millisecond))
	ctx := context.Background()

	idle := &models.Agent{ID: "idle", Capabilities: []string{"csv_processing"}, Status: models.AgentStatusIdle}
	busy := &models.Agent{ID: "busy", Capabilities: []string{"csv_processing"}, Status: models.AgentStatusBusy}
	other := &models.Agent{ID: "other", Capabilities: []string{"image_upload"}, Status: models.AgentStatusIdle}
	for _, a := range []*models.Agent{idle, busy, other} {
		require.NoError(t, c.RegisterAgent(ctx, "s1", a))
	}

	found, err := c.FindAvailableAgents(ctx, "s1", []string{"csv_processing"})
	require.NoError(t, err)
	require.Len(t, found, 1, "only the idle, capability-matching agent is available")
	assert.Equal(t, "idle", found[0].ID)

	// No capability filter matches any idle fresh agent.
	found, err = c.FindAvailableAgents(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	// A stale heartbeat removes availability even while idle.
	time.Sleep(70 * time.Millisecond)
	found, err = c.FindAvailableAgents(ctx, "s1", []string{"csv_processing"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestProgress(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	p, err := c.GetProgress(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, p.Total, "missing progress reads as zero")

	require.NoError(t, c.UpdateProgress(ctx, "s1", models.Progress{
		Total: 4, Completed: 2, Failed: 1, Percentage: 75,
	}))

	p, err = c.GetProgress(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, 75.0, p.Percentage)
}

func TestEmitEventPersistsAppendsAndPublishes(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	events, cancel, err := c.SubscribeEvents(ctx, "s1")
	require.NoError(t, err)
	defer cancel()

	emitted, err := c.EmitEvent(ctx, models.EventTaskCompleted, "s1", map[string]any{"task_id": "t1"}, "a1")
	require.NoError(t, err)
	assert.NotEmpty(t, emitted.ID)

	select {
	case got := <-events:
		assert.Equal(t, models.EventTaskCompleted, got.Type)
		assert.Equal(t, "s1", got.SessionID)
		assert.Equal(t, "a1", got.SourceAgent)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}

	recent, err := c.RecentEvents(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, emitted.ID, recent[0].ID)
}

func TestEventLogCap(t *testing.T) {
	c := newTestCoordinator(t, WithEventLogCap(5))
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := c.EmitEvent(ctx, models.EventSessionUpdated, "s1", map[string]any{"seq": i}, "")
		require.NoError(t, err)
	}

	recent, err := c.RecentEvents(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, recent, 5, "event log is capped")
	assert.Equal(t, 7.0, recent[0].Data["seq"], "newest event first")
}

func TestCleanupExpiredSessions(t *testing.T) {
	c := newTestCoordinator(t, WithRetention(50*time.Millisecond))
	ctx := context.Background()

	old := testSession("old")
	old.Status = models.SessionStatusCompleted
	completed := time.Now().Add(-time.Minute)
	old.CompletedAt = &completed

	fresh := testSession("fresh")
	fresh.Status = models.SessionStatusCompleted
	now := time.Now()
	fresh.CompletedAt = &now

	active := testSession("active")
	active.Status = models.SessionStatusActive

	for _, s := range []*models.Session{old, fresh, active} {
		require.NoError(t, c.CreateSession(ctx, s))
	}

	removed, err := c.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = c.GetSession(ctx, "old")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = c.GetSession(ctx, "fresh")
	assert.NoError(t, err)
	_, err = c.GetSession(ctx, "active")
	assert.NoError(t, err)
}

func TestCoordinatorsShareStateThroughOneStore(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	// Two coordinators over one store see the same state, the way the
	// parent process and a launched agent share the served store.
	parent := New(s)
	child := New(s)

	require.NoError(t, parent.CreateSession(ctx, testSession("shared")))

	got, err := child.GetSession(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "shared", got.ID)

	require.NoError(t, child.RegisterAgent(ctx, "shared", &models.Agent{
		ID:     "a1",
		Status: models.AgentStatusIdle,
	}))
	agents, err := parent.ListAgents(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "a1", agents[0].ID)

	// Coordinator keys carry the shared namespace in the raw store.
	keys, err := s.Keys(ctx, namespace+":")
	require.NoError(t, err)
	assert.NotEmpty(t, keys)
}
