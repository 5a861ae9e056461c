package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/iaminawe/taskhive/internal/memory"
	"github.com/iaminawe/taskhive/pkg/models"
)

// SessionDef is the caller-supplied definition used to create a session.
type SessionDef struct {
	// Name is the human-readable session name.
	Name string `json:"name" yaml:"name"`
	// Tasks defines the work; at least one is required. Task IDs are
	// derived from position: the first task is "task-1" and so on, which is
	// how Dependencies entries reference other tasks.
	Tasks []models.TaskDef `json:"tasks" yaml:"tasks"`
	// Agents defines the workforce. If empty, one agent is synthesized per
	// distinct required capability across the tasks.
	Agents []models.AgentDef `json:"agents,omitempty" yaml:"agents,omitempty"`
	// Context seeds the shared-context map visible to handlers.
	Context map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	// Config holds per-session tunables; zero values get defaults.
	Config models.SessionConfig `json:"config" yaml:"config"`
}

// taskID derives the positional task ID for index i (0-based).
func taskID(i int) string {
	return fmt.Sprintf("task-%d", i+1)
}

// CreateSession validates the definition, builds the session, and mirrors
// it into the coordinator. The session starts in the initializing state;
// call StartSession to begin scheduling.
func (o *Orchestrator) CreateSession(ctx context.Context, def SessionDef) (*models.Session, error) {
	if len(def.Tasks) == 0 {
		return nil, fmt.Errorf("create session: at least one task is required")
	}

	config := def.Config
	if config.MaxAgents <= 0 {
		config.MaxAgents = DefaultMaxAgents
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = DefaultTaskTimeout
	}
	if config.RetryPolicy == (models.RetryPolicy{}) {
		config.RetryPolicy = DefaultRetryPolicy()
	}

	now := time.Now()
	session := &models.Session{
		ID:        uuid.New().String()[:8],
		Name:      def.Name,
		Status:    models.SessionStatusInitializing,
		CreatedAt: now,
		Tasks:     make(map[string]*models.Task, len(def.Tasks)),
		Agents:    make(map[string]*models.Agent),
		Context:   make(map[string]any, len(def.Context)),
		Config:    config,
	}
	if session.Name == "" {
		session.Name = "session-" + session.ID
	}
	for k, v := range def.Context {
		session.Context[k] = v
	}

	for i, td := range def.Tasks {
		if td.Type == "" {
			return nil, fmt.Errorf("create session: task %d has no type", i+1)
		}
		id := taskID(i)
		maxRetries := td.MaxRetries
		if maxRetries <= 0 {
			maxRetries = config.RetryPolicy.MaxRetries
		}
		session.TaskOrder = append(session.TaskOrder, id)
		session.Tasks[id] = &models.Task{
			ID:                   id,
			Type:                 td.Type,
			Params:               td.Params,
			Priority:             td.Priority,
			Status:               models.TaskStatusQueued,
			RequiredCapabilities: td.RequiredCapabilities,
			DependsOn:            td.Dependencies,
			CreatedAt:            now,
			MaxRetries:           maxRetries,
		}
	}

	if err := validateDependencies(session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	agents := def.Agents
	if len(agents) == 0 {
		agents = synthesizeAgents(def.Tasks)
	}
	if len(agents) > config.MaxAgents {
		return nil, fmt.Errorf("create session: %d agents exceeds max_agents %d", len(agents), config.MaxAgents)
	}
	for i, ad := range agents {
		id := ad.ID
		if id == "" {
			id = fmt.Sprintf("agent-%d", i+1)
		}
		if _, exists := session.Agents[id]; exists {
			return nil, fmt.Errorf("create session: duplicate agent id %q", id)
		}
		name := ad.Name
		if name == "" {
			name = id
		}
		session.AgentOrder = append(session.AgentOrder, id)
		session.Agents[id] = &models.Agent{
			ID:             id,
			Name:           name,
			Capabilities:   ad.Capabilities,
			Status:         models.AgentStatusIdle,
			LastHeartbeat:  now,
			ResourceLimits: ad.ResourceLimits,
		}
	}

	session.Progress = computeProgress(session)

	if err := o.coordinator.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	for _, id := range session.AgentOrder {
		if err := o.coordinator.RegisterAgent(ctx, session.ID, session.Agents[id]); err != nil {
			return nil, fmt.Errorf("register agent %s: %w", id, err)
		}
	}
	for k, v := range session.Context {
		if err := o.coordinator.SetContext(ctx, session.ID, k, v); err != nil {
			return nil, fmt.Errorf("seed context key %s: %w", k, err)
		}
	}

	o.mu.Lock()
	o.sessions[session.ID] = session
	o.mu.Unlock()

	o.emit(ctx, models.EventSessionCreated, session.ID, map[string]any{
		"name":   session.Name,
		"tasks":  len(session.Tasks),
		"agents": len(session.Agents),
	}, "")
	o.logger.Log("session %s created: %d tasks, %d agents", session.ID, len(session.Tasks), len(session.Agents))

	return session, nil
}

// validateDependencies checks that every dependency references an existing
// task and that the dependency graph has no cycles (Kahn's algorithm).
func validateDependencies(session *models.Session) error {
	indegree := make(map[string]int, len(session.Tasks))
	dependents := make(map[string][]string)

	for id, task := range session.Tasks {
		indegree[id] += 0
		for _, dep := range task.DependsOn {
			if dep == id {
				return fmt.Errorf("task %s depends on itself", id)
			}
			if _, ok := session.Tasks[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task %s", id, dep)
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(session.Tasks) {
		return fmt.Errorf("dependency cycle detected")
	}
	return nil
}

// synthesizeAgents builds one agent per distinct required capability, in
// first-seen order. Tasks with no required capabilities get a general agent.
func synthesizeAgents(tasks []models.TaskDef) []models.AgentDef {
	var caps []string
	seen := make(map[string]bool)
	general := false
	for _, td := range tasks {
		if len(td.RequiredCapabilities) == 0 {
			general = true
			continue
		}
		for _, c := range td.RequiredCapabilities {
			if !seen[c] {
				seen[c] = true
				caps = append(caps, c)
			}
		}
	}

	agents := make([]models.AgentDef, 0, len(caps)+1)
	for _, c := range caps {
		agents = append(agents, models.AgentDef{
			ID:           "agent-" + c,
			Name:         c + " agent",
			Capabilities: []string{c},
		})
	}
	if general || len(agents) == 0 {
		agents = append(agents, models.AgentDef{ID: "agent-general", Name: "general agent"})
	}
	return agents
}

// StartSession transitions an initializing session to active and ensures
// the coordination loop is running so its tasks get scheduled.
func (o *Orchestrator) StartSession(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	session, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("start session: %w", memory.ErrSessionNotFound)
	}
	if session.Status != models.SessionStatusInitializing {
		status := session.Status
		o.mu.Unlock()
		return fmt.Errorf("start session %s: status is %s, want initializing", sessionID, status)
	}
	// The loop's lifetime is bound to Stop, not this call's context.
	if err := o.startLoopLocked(context.Background()); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("start session %s: %w", sessionID, err)
	}
	now := time.Now()
	session.Status = models.SessionStatusActive
	session.StartedAt = &now
	o.persistSessionLocked(ctx, session)
	o.mu.Unlock()

	o.emit(ctx, models.EventSessionUpdated, sessionID, map[string]any{"status": string(models.SessionStatusActive)}, "")
	o.logger.Log("session %s started", sessionID)
	return nil
}

// StopSession cancels a session: queued and assigned tasks become
// cancelled, in-progress executions are abandoned when they return, and
// agents go idle.
func (o *Orchestrator) StopSession(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	session, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("stop session: %w", memory.ErrSessionNotFound)
	}
	if session.Status.Terminal() {
		status := session.Status
		o.mu.Unlock()
		return fmt.Errorf("stop session %s: already %s", sessionID, status)
	}

	now := time.Now()
	session.Status = models.SessionStatusCancelled
	session.CompletedAt = &now
	for _, task := range session.Tasks {
		switch task.Status {
		case models.TaskStatusQueued, models.TaskStatusAssigned:
			task.Status = models.TaskStatusCancelled
			task.CompletedAt = &now
			task.AssignedAgent = ""
		}
	}
	for _, agent := range session.Agents {
		agent.Status = models.AgentStatusIdle
		agent.CurrentTask = ""
	}
	session.Progress = computeProgress(session)
	o.persistSessionLocked(ctx, session)
	snapshot := cloneSession(session)
	o.mu.Unlock()

	o.saveSnapshot(snapshot)
	o.emit(ctx, models.EventSessionCancelled, sessionID, nil, "")
	o.logger.Log("session %s cancelled", sessionID)
	return nil
}

// GetSession returns the live session, or the coordinator's copy if the
// session is not tracked in this process.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	o.mu.RLock()
	session, ok := o.sessions[sessionID]
	if ok {
		clone := cloneSession(session)
		o.mu.RUnlock()
		return clone, nil
	}
	o.mu.RUnlock()
	return o.coordinator.GetSession(ctx, sessionID)
}

// ListSessions returns the IDs of sessions tracked by this orchestrator,
// in creation order.
func (o *Orchestrator) ListSessions() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return o.sessions[ids[i]].CreatedAt.Before(o.sessions[ids[j]].CreatedAt)
	})
	return ids
}

// SessionStatusReport is a point-in-time summary of a session.
type SessionStatusReport struct {
	// ID is the session identifier.
	ID string `json:"id"`
	// Name is the session display name.
	Name string `json:"name"`
	// Status is the session state.
	Status models.SessionStatus `json:"status"`
	// Progress summarizes task completion.
	Progress models.Progress `json:"progress"`
	// Agents maps agent ID to its current status.
	Agents map[string]models.AgentStatus `json:"agents"`
	// Tasks counts tasks by status.
	Tasks map[models.TaskStatus]int `json:"tasks"`
}

// GetSessionStatus returns a summary of the session's current state.
func (o *Orchestrator) GetSessionStatus(sessionID string) (*SessionStatusReport, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	session, ok := o.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session status: %w", memory.ErrSessionNotFound)
	}

	report := &SessionStatusReport{
		ID:       session.ID,
		Name:     session.Name,
		Status:   session.Status,
		Progress: session.Progress,
		Agents:   make(map[string]models.AgentStatus, len(session.Agents)),
		Tasks:    make(map[models.TaskStatus]int),
	}
	for id, agent := range session.Agents {
		report.Agents[id] = agent.Status
	}
	for _, task := range session.Tasks {
		report.Tasks[task.Status]++
	}
	return report, nil
}

// computeProgress recalculates progress from task states.
func computeProgress(session *models.Session) models.Progress {
	p := models.Progress{Total: len(session.Tasks)}
	terminal := 0
	for _, task := range session.Tasks {
		switch task.Status {
		case models.TaskStatusCompleted:
			p.Completed++
			terminal++
		case models.TaskStatusFailed:
			p.Failed++
			terminal++
		case models.TaskStatusCancelled:
			terminal++
		}
	}
	if p.Total > 0 {
		p.Percentage = float64(terminal) / float64(p.Total) * 100
	}
	return p
}

// persistSessionLocked mirrors the session to the coordinator. Best effort;
// the in-process copy is authoritative. Caller holds o.mu.
func (o *Orchestrator) persistSessionLocked(ctx context.Context, session *models.Session) {
	if err := o.coordinator.UpdateSession(ctx, session); err != nil {
		o.logger.Log("persist session %s: %v", session.ID, err)
	}
	if err := o.coordinator.UpdateProgress(ctx, session.ID, session.Progress); err != nil {
		o.logger.Log("persist progress %s: %v", session.ID, err)
	}
}

// saveSnapshot writes the session to the durable history store, if one is
// configured. Must be called without holding o.mu.
func (o *Orchestrator) saveSnapshot(session *models.Session) {
	if o.stateStore == nil {
		return
	}
	if err := o.stateStore.SaveSessionSnapshot(session); err != nil {
		o.logger.Log("save snapshot %s: %v", session.ID, err)
	}
}

// cloneSession deep-copies a session so callers can read it without racing
// the coordination loop.
func cloneSession(session *models.Session) *models.Session {
	clone := *session
	clone.TaskOrder = append([]string(nil), session.TaskOrder...)
	clone.AgentOrder = append([]string(nil), session.AgentOrder...)
	clone.Tasks = make(map[string]*models.Task, len(session.Tasks))
	for id, task := range session.Tasks {
		t := *task
		clone.Tasks[id] = &t
	}
	clone.Agents = make(map[string]*models.Agent, len(session.Agents))
	for id, agent := range session.Agents {
		a := *agent
		clone.Agents[id] = &a
	}
	clone.Context = make(map[string]any, len(session.Context))
	for k, v := range session.Context {
		clone.Context[k] = v
	}
	return &clone
}
