package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/iaminawe/taskhive/internal/worker"
	"github.com/iaminawe/taskhive/pkg/models"
)

// pendingEvent defers an emission until the session lock is released, so a
// slow event subscriber never stalls the coordination loop mid-schedule.
type pendingEvent struct {
	eventType models.EventType
	data      map[string]any
	source    string
}

// run is the coordination loop. Each tick it schedules every active
// session; once a minute it purges expired terminal sessions.
func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.runDone)

	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tickOnce(ctx)
		}
	}
}

// tickOnce runs a single scheduling pass over all active sessions.
func (o *Orchestrator) tickOnce(ctx context.Context) {
	o.mu.RLock()
	active := make([]string, 0, len(o.sessions))
	for id, session := range o.sessions {
		if session.Status == models.SessionStatusActive {
			active = append(active, id)
		}
	}
	purgeDue := time.Since(o.lastPurge) >= purgeInterval
	o.mu.RUnlock()

	sort.Strings(active)
	for _, id := range active {
		o.scheduleSession(ctx, id)
	}

	if purgeDue {
		o.purgeExpired(ctx)
	}
}

// scheduleSession runs one scheduling pass for a session: refresh agent
// liveness, cancel tasks whose dependencies can never complete, assign
// dependency-ready tasks to capable idle agents, and detect completion.
func (o *Orchestrator) scheduleSession(ctx context.Context, sessionID string) {
	var events []pendingEvent
	var dispatches []string
	var snapshot *models.Session

	o.mu.Lock()
	session, ok := o.sessions[sessionID]
	if !ok || session.Status != models.SessionStatusActive {
		o.mu.Unlock()
		return
	}

	o.refreshAgentsLocked(ctx, session)
	events = append(events, o.collectExternalResultsLocked(ctx, session)...)
	events = append(events, o.cancelDeadTasksLocked(session)...)

	ready := readyTasks(session)
	for _, task := range ready {
		agent := firstCapableIdleAgent(session, task.RequiredCapabilities)
		if agent == nil {
			continue
		}

		claimed, err := o.coordinator.ClaimTask(ctx, sessionID, task.ID)
		if err != nil {
			log.Printf("[orchestrator] claim %s/%s: %v", sessionID, task.ID, err)
			continue
		}
		if !claimed {
			// An external worker got there first; its result is collected
			// on a later pass.
			continue
		}

		task.Status = models.TaskStatusAssigned
		task.AssignedAgent = agent.ID
		task.NextRetryAt = nil
		agent.Status = models.AgentStatusBusy
		agent.CurrentTask = task.ID

		events = append(events, pendingEvent{
			eventType: models.EventTaskAssigned,
			data:      map[string]any{"task_id": task.ID, "task_type": task.Type, "agent_id": agent.ID},
			source:    agent.ID,
		})
		dispatches = append(dispatches, task.ID)
		o.logger.Log("session %s: assigned %s (%s) to %s", sessionID, task.ID, task.Type, agent.ID)
	}

	o.publishPendingLocked(ctx, session)
	session.Progress = computeProgress(session)

	if allTerminal(session) {
		now := time.Now()
		session.Status = models.SessionStatusCompleted
		session.CompletedAt = &now
		for _, agent := range session.Agents {
			agent.Status = models.AgentStatusIdle
			agent.CurrentTask = ""
		}
		events = append(events, pendingEvent{
			eventType: models.EventSessionCompleted,
			data: map[string]any{
				"completed": session.Progress.Completed,
				"failed":    session.Progress.Failed,
				"total":     session.Progress.Total,
			},
		})
		snapshot = cloneSession(session)
		o.logger.Log("session %s completed: %d/%d tasks ok, %d failed",
			sessionID, session.Progress.Completed, session.Progress.Total, session.Progress.Failed)
	}

	o.persistSessionLocked(ctx, session)
	o.mu.Unlock()

	for _, ev := range events {
		o.emit(ctx, ev.eventType, sessionID, ev.data, ev.source)
	}
	for _, taskID := range dispatches {
		o.dispatch(sessionID, taskID)
	}
	if snapshot != nil {
		o.saveSnapshot(snapshot)
	}
}

// refreshAgentsLocked adopts fresher heartbeat data from the coordinator
// for agents this process is not actively using. External workers report
// liveness through the coordinator; agents executing in-process are tracked
// directly and skipped here.
func (o *Orchestrator) refreshAgentsLocked(ctx context.Context, session *models.Session) {
	for _, agent := range session.Agents {
		if agent.CurrentTask != "" {
			continue
		}
		rec, err := o.coordinator.GetAgent(ctx, session.ID, agent.ID)
		if err != nil {
			continue
		}
		if rec.LastHeartbeat.After(agent.LastHeartbeat) {
			agent.LastHeartbeat = rec.LastHeartbeat
			agent.Status = rec.Status
			agent.TasksCompleted = rec.TasksCompleted
			agent.TasksFailed = rec.TasksFailed
		}
	}
}

// collectExternalResultsLocked applies results written to shared context by
// external workers. Those tasks never pass through the local executor, so
// their completion and retry bookkeeping happens here.
func (o *Orchestrator) collectExternalResultsLocked(ctx context.Context, session *models.Session) []pendingEvent {
	var events []pendingEvent
	for _, task := range session.OrderedTasks() {
		if task.Status != models.TaskStatusQueued {
			continue
		}
		var result worker.TaskResult
		if err := o.coordinator.GetContext(ctx, session.ID, worker.ResultKeyPrefix+task.ID, &result); err != nil {
			continue
		}

		now := time.Now()
		if result.Error == "" {
			task.Status = models.TaskStatusCompleted
			task.CompletedAt = &now
			task.Result = result.Result
			task.AssignedAgent = result.AgentID
			session.Context[worker.ResultKeyPrefix+task.ID] = result.Result
			events = append(events, pendingEvent{
				eventType: models.EventTaskCompleted,
				data:      map[string]any{"task_id": task.ID, "task_type": task.Type, "external": true},
				source:    result.AgentID,
			})
			o.logger.Log("session %s: task %s completed by external worker %s", session.ID, task.ID, result.AgentID)
			continue
		}

		task.RetryCount++
		task.Error = result.Error
		if task.RetryCount >= task.MaxRetries {
			task.Status = models.TaskStatusFailed
			task.CompletedAt = &now
			events = append(events, pendingEvent{
				eventType: models.EventTaskFailed,
				data:      map[string]any{"task_id": task.ID, "error": task.Error, "retries": task.RetryCount},
				source:    result.AgentID,
			})
			o.logger.Log("session %s: task %s failed permanently on external worker %s: %s",
				session.ID, task.ID, result.AgentID, result.Error)
			continue
		}

		delay := retryDelay(session.Config.RetryPolicy, task.RetryCount)
		retryAt := now.Add(delay)
		task.NextRetryAt = &retryAt
		// Clear the claim and stale result so the next attempt can be
		// claimed and reported fresh.
		if err := o.coordinator.ReleaseClaim(ctx, session.ID, task.ID); err != nil {
			o.logger.Log("release claim %s/%s: %v", session.ID, task.ID, err)
		}
		if err := o.coordinator.DeleteContext(ctx, session.ID, worker.ResultKeyPrefix+task.ID); err != nil {
			o.logger.Log("clear result %s/%s: %v", session.ID, task.ID, err)
		}
		events = append(events, pendingEvent{
			eventType: models.EventTaskFailed,
			data: map[string]any{
				"task_id":    task.ID,
				"error":      task.Error,
				"will_retry": true,
				"retry_in":   delay.String(),
			},
			source: result.AgentID,
		})
	}
	return events
}

// publishPendingLocked writes the still-unassigned ready tasks to shared
// context so pull-mode workers can claim them. Rewritten only when the list
// changes, to keep the event log quiet.
func (o *Orchestrator) publishPendingLocked(ctx context.Context, session *models.Session) {
	pending := readyTasks(session)

	var sig strings.Builder
	for _, task := range pending {
		sig.WriteString(task.ID)
		sig.WriteByte('#')
		sig.WriteString(strconv.Itoa(task.RetryCount))
		sig.WriteByte(';')
	}
	if sig.String() == o.pendingSig[session.ID] {
		return
	}
	o.pendingSig[session.ID] = sig.String()

	if err := o.coordinator.SetContext(ctx, session.ID, worker.ContextKeyPendingTasks, pending); err != nil {
		o.logger.Log("publish pending tasks %s: %v", session.ID, err)
	}
}

// cancelDeadTasksLocked cancels queued tasks that depend on a terminally
// failed or cancelled task; they can never become ready.
func (o *Orchestrator) cancelDeadTasksLocked(session *models.Session) []pendingEvent {
	var events []pendingEvent
	now := time.Now()
	for _, task := range session.OrderedTasks() {
		if task.Status != models.TaskStatusQueued {
			continue
		}
		for _, dep := range task.DependsOn {
			depTask, ok := session.Tasks[dep]
			if !ok {
				continue
			}
			if depTask.Status == models.TaskStatusFailed || depTask.Status == models.TaskStatusCancelled {
				task.Status = models.TaskStatusCancelled
				task.CompletedAt = &now
				task.Error = fmt.Sprintf("dependency %s is %s", dep, depTask.Status)
				events = append(events, pendingEvent{
					eventType: models.EventTaskFailed,
					data:      map[string]any{"task_id": task.ID, "error": task.Error, "cancelled": true},
				})
				o.logger.Log("session %s: cancelled %s, dependency %s is %s", session.ID, task.ID, dep, depTask.Status)
				break
			}
		}
	}
	return events
}

// readyTasks returns queued tasks whose dependencies have all completed and
// whose retry backoff has elapsed, ordered by priority descending with
// creation order breaking ties.
func readyTasks(session *models.Session) []*models.Task {
	now := time.Now()
	var ready []*models.Task
	for _, task := range session.OrderedTasks() {
		if task.Status != models.TaskStatusQueued {
			continue
		}
		if task.NextRetryAt != nil && now.Before(*task.NextRetryAt) {
			continue
		}
		blocked := false
		for _, dep := range task.DependsOn {
			if depTask, ok := session.Tasks[dep]; !ok || depTask.Status != models.TaskStatusCompleted {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, task)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority > ready[j].Priority
	})
	return ready
}

// firstCapableIdleAgent returns the first idle agent, in registration
// order, whose capabilities intersect the required set.
func firstCapableIdleAgent(session *models.Session, required []string) *models.Agent {
	for _, agent := range session.OrderedAgents() {
		if agent.Status == models.AgentStatusIdle && agent.CanExecute(required) {
			return agent
		}
	}
	return nil
}

// allTerminal reports whether every task in the session has reached a
// terminal state.
func allTerminal(session *models.Session) bool {
	if len(session.Tasks) == 0 {
		return false
	}
	for _, task := range session.Tasks {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

// purgeExpired drops terminal sessions older than the retention window
// from live coordination state. Durable snapshots in the history store are
// unaffected.
func (o *Orchestrator) purgeExpired(ctx context.Context) {
	o.mu.Lock()
	o.lastPurge = time.Now()
	cutoff := time.Now().Add(-o.retention)
	var expired []string
	for id, session := range o.sessions {
		if session.Status.Terminal() && session.CompletedAt != nil && session.CompletedAt.Before(cutoff) {
			expired = append(expired, id)
			delete(o.sessions, id)
			delete(o.pendingSig, id)
		}
	}
	o.mu.Unlock()

	for _, id := range expired {
		if err := o.coordinator.DeleteSession(ctx, id); err != nil {
			log.Printf("[orchestrator] purge session %s: %v", id, err)
		}
		o.logger.Log("purged expired session %s", id)
	}
}
