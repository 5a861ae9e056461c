// Package memory implements the memory coordinator: namespaced cross-process
// storage for session records, shared context, agent registrations, progress
// counters, and a capped per-session event log, plus a pub/sub channel per
// session for real-time consumers.
//
// All cross-process state rides on a store.Store; nothing else in the core
// touches the backing store directly.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/iaminawe/taskhive/internal/store"
	"github.com/iaminawe/taskhive/pkg/models"
)

// ErrSessionNotFound indicates the session does not exist in the store.
var ErrSessionNotFound = errors.New("memory: session not found")

// ErrContextKeyNotFound indicates the shared-context key does not exist.
var ErrContextKeyNotFound = errors.New("memory: context key not found")

const (
	// DefaultFreshnessWindow is how recently an agent must have
	// heartbeated to count as available.
	DefaultFreshnessWindow = 60 * time.Second
	// DefaultRetention is how long terminal sessions are kept before
	// CleanupExpiredSessions removes them.
	DefaultRetention = 24 * time.Hour
	// DefaultEventLogCap bounds the per-session event log length.
	DefaultEventLogCap = 1000
	// eventTTL bounds how long individual event records are kept.
	eventTTL = 24 * time.Hour
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFreshnessWindow sets the heartbeat freshness window for
// FindAvailableAgents.
func WithFreshnessWindow(d time.Duration) Option {
	return func(c *Coordinator) { c.freshness = d }
}

// WithRetention sets how long terminal sessions are kept.
func WithRetention(d time.Duration) Option {
	return func(c *Coordinator) { c.retention = d }
}

// WithEventLogCap sets the per-session event log bound.
func WithEventLogCap(n int) Option {
	return func(c *Coordinator) { c.eventLogCap = n }
}

// Coordinator owns all cross-process session, agent, context, and event
// state. Writes are last-writer-wins per key; callers needing atomic
// multi-field updates must batch them into a single record write.
type Coordinator struct {
	store       store.Store
	freshness   time.Duration
	retention   time.Duration
	eventLogCap int
}

// namespace prefixes every coordinator key and channel, so the backing
// store can be shared with other components without collisions.
const namespace = "taskhive"

// New creates a Coordinator over the given store. All keys are namespaced,
// so coordinators in different processes sharing one store see the same
// state.
func New(s store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store.Namespaced(s, namespace),
		freshness:   DefaultFreshnessWindow,
		retention:   DefaultRetention,
		eventLogCap: DefaultEventLogCap,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sessionKey(id string) string  { return "session:" + id }
func contextKey(id string) string  { return "session:" + id + ":context" }
func agentSetKey(id string) string { return "session:" + id + ":agents" }
func agentKey(sessionID, agentID string) string {
	return "agent:" + sessionID + ":" + agentID
}
func progressKey(id string) string { return "session:" + id + ":progress" }
func eventLogKey(id string) string { return "session:" + id + ":events" }
func eventKey(id string) string    { return "event:" + id }

// EventChannel returns the pub/sub channel name for a session's events.
func EventChannel(sessionID string) string { return "events:" + sessionID }

// CreateSession stores a new session record and adds it to the session index.
func (c *Coordinator) CreateSession(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := c.store.Set(ctx, sessionKey(session.ID), data, 0); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	if err := c.store.SAdd(ctx, "sessions", session.ID); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

// GetSession returns the stored session record.
func (c *Coordinator) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	data, err := c.store.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

// UpdateSession overwrites the stored session record.
func (c *Coordinator) UpdateSession(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := c.store.Set(ctx, sessionKey(session.ID), data, 0); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// DeleteSession removes the session record and every key derived from it.
func (c *Coordinator) DeleteSession(ctx context.Context, sessionID string) error {
	agentIDs, err := c.store.SMembers(ctx, agentSetKey(sessionID))
	if err != nil {
		log.Printf("[memory] list agents for delete of %s: %v", sessionID, err)
	}
	for _, agentID := range agentIDs {
		if err := c.store.Delete(ctx, agentKey(sessionID, agentID)); err != nil {
			log.Printf("[memory] delete agent %s: %v", agentID, err)
		}
	}
	if err := c.store.Delete(ctx, sessionKey(sessionID)); err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}
	// Context, agent index, progress, events, and claim keys all share the
	// "session:{id}:" prefix. The trailing colon keeps "s1" from matching
	// "s10".
	keys, err := c.store.Keys(ctx, sessionKey(sessionID)+":")
	if err != nil {
		return fmt.Errorf("enumerate session keys: %w", err)
	}
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	if err := c.store.SRem(ctx, "sessions", sessionID); err != nil {
		return fmt.Errorf("unindex session: %w", err)
	}
	return nil
}

// ListSessions returns the IDs of all stored sessions.
func (c *Coordinator) ListSessions(ctx context.Context) ([]string, error) {
	return c.store.SMembers(ctx, "sessions")
}

// SetContext stores one shared-context key for a session and publishes a
// context_updated event.
func (c *Coordinator) SetContext(ctx context.Context, sessionID, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal context value: %w", err)
	}
	if err := c.store.HSet(ctx, contextKey(sessionID), key, data); err != nil {
		return fmt.Errorf("store context: %w", err)
	}
	c.emitBestEffort(ctx, models.EventContextUpdated, sessionID, map[string]any{"key": key}, "")
	return nil
}

// GetContext returns one shared-context value, unmarshalled into out.
func (c *Coordinator) GetContext(ctx context.Context, sessionID, key string, out any) error {
	data, err := c.store.HGet(ctx, contextKey(sessionID), key)
	if errors.Is(err, store.ErrNotFound) {
		return ErrContextKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("get context: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal context value: %w", err)
	}
	return nil
}

// GetAllContext returns the full shared-context map for a session.
func (c *Coordinator) GetAllContext(ctx context.Context, sessionID string) (map[string]any, error) {
	fields, err := c.store.HGetAll(ctx, contextKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("get context map: %w", err)
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		var value any
		if err := json.Unmarshal(v, &value); err != nil {
			log.Printf("[memory] bad context value for %s/%s: %v", sessionID, k, err)
			continue
		}
		out[k] = value
	}
	return out, nil
}

// DeleteContext removes one shared-context key.
func (c *Coordinator) DeleteContext(ctx context.Context, sessionID, key string) error {
	return c.store.HDel(ctx, contextKey(sessionID), key)
}

// RegisterAgent stores an agent record for a session and emits
// agent_registered. The record carries a TTL of twice the freshness window
// so crashed agents fall out of the store on their own.
func (c *Coordinator) RegisterAgent(ctx context.Context, sessionID string, agent *models.Agent) error {
	if agent.LastHeartbeat.IsZero() {
		agent.LastHeartbeat = time.Now()
	}
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	if err := c.store.Set(ctx, agentKey(sessionID, agent.ID), data, 2*c.freshness); err != nil {
		return fmt.Errorf("store agent: %w", err)
	}
	if err := c.store.SAdd(ctx, agentSetKey(sessionID), agent.ID); err != nil {
		return fmt.Errorf("index agent: %w", err)
	}
	c.emitBestEffort(ctx, models.EventAgentRegistered, sessionID, map[string]any{
		"agent_id":     agent.ID,
		"capabilities": agent.Capabilities,
	}, agent.ID)
	return nil
}

// HeartbeatPatch carries the fields an agent may update on heartbeat.
// Nil fields are left unchanged.
type HeartbeatPatch struct {
	// Status replaces the agent's status when set.
	Status *models.AgentStatus
	// CurrentTask replaces the current-task reference when set.
	CurrentTask *string
	// TasksCompleted replaces the completed counter when set.
	TasksCompleted *int
	// TasksFailed replaces the failed counter when set.
	TasksFailed *int
}

// UpdateAgentHeartbeat refreshes an agent's heartbeat timestamp, applies the
// patch, and emits agent_heartbeat.
func (c *Coordinator) UpdateAgentHeartbeat(ctx context.Context, sessionID, agentID string, patch HeartbeatPatch) error {
	agent, err := c.GetAgent(ctx, sessionID, agentID)
	if err != nil {
		return err
	}
	agent.LastHeartbeat = time.Now()
	if patch.Status != nil {
		agent.Status = *patch.Status
	}
	if patch.CurrentTask != nil {
		agent.CurrentTask = *patch.CurrentTask
	}
	if patch.TasksCompleted != nil {
		agent.TasksCompleted = *patch.TasksCompleted
	}
	if patch.TasksFailed != nil {
		agent.TasksFailed = *patch.TasksFailed
	}

	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	if err := c.store.Set(ctx, agentKey(sessionID, agentID), data, 2*c.freshness); err != nil {
		return fmt.Errorf("store agent: %w", err)
	}
	c.emitBestEffort(ctx, models.EventAgentHeartbeat, sessionID, map[string]any{
		"agent_id": agentID,
		"status":   agent.Status,
	}, agentID)
	return nil
}

// GetAgent returns one registered agent.
func (c *Coordinator) GetAgent(ctx context.Context, sessionID, agentID string) (*models.Agent, error) {
	data, err := c.store.Get(ctx, agentKey(sessionID, agentID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("memory: agent %s not registered in session %s", agentID, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	var agent models.Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("unmarshal agent: %w", err)
	}
	return &agent, nil
}

// ListAgents returns every registered agent for a session. Agents whose
// records have expired are skipped and pruned from the index.
func (c *Coordinator) ListAgents(ctx context.Context, sessionID string) ([]*models.Agent, error) {
	ids, err := c.store.SMembers(ctx, agentSetKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("list agent ids: %w", err)
	}
	agents := make([]*models.Agent, 0, len(ids))
	for _, id := range ids {
		data, err := c.store.Get(ctx, agentKey(sessionID, id))
		if errors.Is(err, store.ErrNotFound) {
			if err := c.store.SRem(ctx, agentSetKey(sessionID), id); err != nil {
				log.Printf("[memory] prune agent %s: %v", id, err)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get agent %s: %w", id, err)
		}
		var agent models.Agent
		if err := json.Unmarshal(data, &agent); err != nil {
			log.Printf("[memory] bad agent record %s: %v", id, err)
			continue
		}
		agents = append(agents, &agent)
	}
	return agents, nil
}

// FindAvailableAgents returns registered agents that are idle, heartbeat-fresh
// within the freshness window, and whose capability set intersects the given
// capabilities (an empty capability list matches any agent).
func (c *Coordinator) FindAvailableAgents(ctx context.Context, sessionID string, capabilities []string) ([]*models.Agent, error) {
	agents, err := c.ListAgents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-c.freshness)
	var available []*models.Agent
	for _, agent := range agents {
		if agent.Status != models.AgentStatusIdle {
			continue
		}
		if agent.LastHeartbeat.Before(cutoff) {
			continue
		}
		if !agent.CanExecute(capabilities) {
			continue
		}
		available = append(available, agent)
	}
	return available, nil
}

// UpdateProgress stores the session's progress summary.
func (c *Coordinator) UpdateProgress(ctx context.Context, sessionID string, progress models.Progress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := c.store.Set(ctx, progressKey(sessionID), data, 0); err != nil {
		return fmt.Errorf("store progress: %w", err)
	}
	return nil
}

// GetProgress returns the session's progress summary. A missing record
// returns a zero Progress.
func (c *Coordinator) GetProgress(ctx context.Context, sessionID string) (models.Progress, error) {
	var progress models.Progress
	data, err := c.store.Get(ctx, progressKey(sessionID))
	if errors.Is(err, store.ErrNotFound) {
		return progress, nil
	}
	if err != nil {
		return progress, fmt.Errorf("get progress: %w", err)
	}
	if err := json.Unmarshal(data, &progress); err != nil {
		return progress, fmt.Errorf("unmarshal progress: %w", err)
	}
	return progress, nil
}

// EmitEvent persists an event, appends its id to the session's capped event
// log, and publishes it on the session channel. Returns the stored event.
func (c *Coordinator) EmitEvent(ctx context.Context, eventType models.EventType, sessionID string, data map[string]any, sourceAgent string) (*models.Event, error) {
	event := &models.Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		SessionID:   sessionID,
		Timestamp:   time.Now(),
		Data:        data,
		SourceAgent: sourceAgent,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	if err := c.store.Set(ctx, eventKey(event.ID), payload, eventTTL); err != nil {
		return nil, fmt.Errorf("store event: %w", err)
	}
	if err := c.store.LPush(ctx, eventLogKey(sessionID), []byte(event.ID)); err != nil {
		return nil, fmt.Errorf("append event log: %w", err)
	}
	if err := c.store.LTrim(ctx, eventLogKey(sessionID), 0, c.eventLogCap-1); err != nil {
		return nil, fmt.Errorf("trim event log: %w", err)
	}
	if err := c.store.Publish(ctx, EventChannel(sessionID), payload); err != nil {
		log.Printf("[memory] publish event %s: %v", event.ID, err)
	}
	return event, nil
}

// emitBestEffort emits an event and only logs on failure. Used for events
// that annotate another operation and must not fail it.
func (c *Coordinator) emitBestEffort(ctx context.Context, eventType models.EventType, sessionID string, data map[string]any, sourceAgent string) {
	if _, err := c.EmitEvent(ctx, eventType, sessionID, data, sourceAgent); err != nil {
		log.Printf("[memory] emit %s for %s: %v", eventType, sessionID, err)
	}
}

// RecentEvents returns up to limit most-recent events for a session,
// newest first. Events whose records have expired are skipped.
func (c *Coordinator) RecentEvents(ctx context.Context, sessionID string, limit int) ([]*models.Event, error) {
	if limit <= 0 || limit > c.eventLogCap {
		limit = c.eventLogCap
	}
	ids, err := c.store.LRange(ctx, eventLogKey(sessionID), 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	events := make([]*models.Event, 0, len(ids))
	for _, id := range ids {
		data, err := c.store.Get(ctx, eventKey(string(id)))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get event %s: %w", id, err)
		}
		var event models.Event
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("[memory] bad event record %s: %v", id, err)
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}

// SubscribeEvents returns a channel of events published for a session and a
// cancel function releasing the subscription.
func (c *Coordinator) SubscribeEvents(ctx context.Context, sessionID string) (<-chan *models.Event, func(), error) {
	msgs, cancel, err := c.store.Subscribe(ctx, EventChannel(sessionID))
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe events: %w", err)
	}
	out := make(chan *models.Event, cap(msgs))
	go func() {
		defer close(out)
		for msg := range msgs {
			var event models.Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				log.Printf("[memory] bad event payload: %v", err)
				continue
			}
			out <- &event
		}
	}()
	return out, cancel, nil
}

// ClaimTask atomically claims a task for an agent via the store's counter.
// The first caller per task wins; later callers get false. Used by pull-mode
// agent workers to avoid double execution across processes.
func (c *Coordinator) ClaimTask(ctx context.Context, sessionID, taskID string) (bool, error) {
	n, err := c.store.Incr(ctx, "session:"+sessionID+":claim:"+taskID)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	return n == 1, nil
}

// ReleaseClaim clears a task's claim so a later attempt can be claimed
// again. Called when a failed task is requeued for retry.
func (c *Coordinator) ReleaseClaim(ctx context.Context, sessionID, taskID string) error {
	if err := c.store.Delete(ctx, "session:"+sessionID+":claim:"+taskID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// CleanupExpiredSessions removes sessions whose terminal state is older than
// the retention window. Returns the number of sessions removed.
func (c *Coordinator) CleanupExpiredSessions(ctx context.Context) (int, error) {
	ids, err := c.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	cutoff := time.Now().Add(-c.retention)
	removed := 0
	for _, id := range ids {
		session, err := c.GetSession(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			// Record expired out from under the index.
			if err := c.store.SRem(ctx, "sessions", id); err != nil {
				log.Printf("[memory] unindex stale session %s: %v", id, err)
			}
			continue
		}
		if err != nil {
			log.Printf("[memory] inspect session %s: %v", id, err)
			continue
		}
		if !session.Status.Terminal() {
			continue
		}
		if session.CompletedAt == nil || session.CompletedAt.After(cutoff) {
			continue
		}
		if err := c.DeleteSession(ctx, id); err != nil {
			log.Printf("[memory] cleanup session %s: %v", id, err)
			continue
		}
		removed++
	}
	return removed, nil
}
