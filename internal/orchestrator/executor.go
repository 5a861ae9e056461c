package orchestrator

import (
	"context"
	"time"

	"github.com/iaminawe/taskhive/internal/worker"
	"github.com/iaminawe/taskhive/pkg/models"
)

// dispatch hands an assigned task to the execution pool. The goroutine
// waits for a pool slot, so assignment never blocks the coordination loop
// even when the pool is saturated.
func (o *Orchestrator) dispatch(sessionID, taskID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		select {
		case o.sem <- struct{}{}:
		case <-o.runCtx.Done():
			return
		}
		defer func() { <-o.sem }()

		o.execute(o.runCtx, sessionID, taskID)
	}()
}

// execute runs a single task attempt through its handler and records the
// outcome.
func (o *Orchestrator) execute(ctx context.Context, sessionID, taskID string) {
	o.mu.Lock()
	session, ok := o.sessions[sessionID]
	if !ok || session.Status != models.SessionStatusActive {
		o.mu.Unlock()
		return
	}
	task, ok := session.Tasks[taskID]
	if !ok || task.Status != models.TaskStatusAssigned {
		o.mu.Unlock()
		return
	}

	now := time.Now()
	task.Status = models.TaskStatusInProgress
	task.StartedAt = &now
	taskType := task.Type
	params := task.Params
	timeout := session.Config.TaskTimeout
	shared := make(map[string]any, len(session.Context))
	for k, v := range session.Context {
		shared[k] = v
	}
	o.mu.Unlock()

	handler, err := o.handlers.Get(taskType)
	if err != nil {
		// No registered handler; retrying cannot fix this.
		o.finishTask(ctx, sessionID, taskID, nil, err, true)
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := handler.Execute(execCtx, params, shared)
	cancel()

	o.finishTask(ctx, sessionID, taskID, result, err, false)
}

// finishTask records a task attempt's outcome: success completes the task
// and publishes its result to shared context; failure requeues with backoff
// until the retry bound is reached, then fails the task terminally.
func (o *Orchestrator) finishTask(ctx context.Context, sessionID, taskID string, result any, execErr error, noRetry bool) {
	var events []pendingEvent
	var resultKey string
	var resultValue any
	requeued := false

	o.mu.Lock()
	session, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return
	}
	task, ok := session.Tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	agent := session.Agents[task.AssignedAgent]

	if session.Status != models.SessionStatusActive {
		// Session ended while the handler ran; the outcome is discarded.
		if agent != nil {
			agent.Status = models.AgentStatusIdle
			agent.CurrentTask = ""
		}
		o.mu.Unlock()
		return
	}

	now := time.Now()
	if execErr == nil {
		task.Status = models.TaskStatusCompleted
		task.CompletedAt = &now
		task.Result = result
		task.Error = ""
		if agent != nil {
			agent.Status = models.AgentStatusIdle
			agent.CurrentTask = ""
			agent.TasksCompleted++
			agent.LastHeartbeat = now
		}
		// Shared context keeps the raw result; the coordinator copy uses the
		// same TaskResult envelope external workers write.
		resultKey = worker.ResultKeyPrefix + taskID
		resultValue = worker.TaskResult{
			TaskID:      taskID,
			AgentID:     task.AssignedAgent,
			Result:      result,
			CompletedAt: now,
		}
		session.Context[resultKey] = result
		events = append(events, pendingEvent{
			eventType: models.EventTaskCompleted,
			data:      map[string]any{"task_id": taskID, "task_type": task.Type},
			source:    task.AssignedAgent,
		})
		o.logger.Log("session %s: task %s completed by %s", sessionID, taskID, task.AssignedAgent)
	} else {
		task.RetryCount++
		task.Error = execErr.Error()
		agentID := task.AssignedAgent
		if agent != nil {
			agent.Status = models.AgentStatusIdle
			agent.CurrentTask = ""
			agent.TasksFailed++
			agent.LastHeartbeat = now
		}

		if noRetry || task.RetryCount >= task.MaxRetries {
			task.Status = models.TaskStatusFailed
			task.CompletedAt = &now
			task.AssignedAgent = ""
			events = append(events, pendingEvent{
				eventType: models.EventTaskFailed,
				data:      map[string]any{"task_id": taskID, "error": task.Error, "retries": task.RetryCount},
				source:    agentID,
			})
			o.logger.Log("session %s: task %s failed permanently after %d attempts: %v",
				sessionID, taskID, task.RetryCount, execErr)
		} else {
			delay := retryDelay(session.Config.RetryPolicy, task.RetryCount)
			retryAt := now.Add(delay)
			task.Status = models.TaskStatusQueued
			task.AssignedAgent = ""
			task.StartedAt = nil
			task.NextRetryAt = &retryAt
			requeued = true
			events = append(events, pendingEvent{
				eventType: models.EventTaskFailed,
				data: map[string]any{
					"task_id":    taskID,
					"error":      task.Error,
					"will_retry": true,
					"retry_in":   delay.String(),
				},
				source: agentID,
			})
			o.logger.Log("session %s: task %s attempt %d failed, retrying in %s: %v",
				sessionID, taskID, task.RetryCount, delay, execErr)
		}
	}

	session.Progress = computeProgress(session)
	o.persistSessionLocked(ctx, session)
	o.mu.Unlock()

	if resultKey != "" {
		if err := o.coordinator.SetContext(ctx, sessionID, resultKey, resultValue); err != nil {
			o.logger.Log("publish result for %s/%s: %v", sessionID, taskID, err)
		}
	}
	if requeued {
		// Release the claim so the retry attempt can be claimed afresh.
		if err := o.coordinator.ReleaseClaim(ctx, sessionID, taskID); err != nil {
			o.logger.Log("release claim %s/%s: %v", sessionID, taskID, err)
		}
	}
	for _, ev := range events {
		o.emit(ctx, ev.eventType, sessionID, ev.data, ev.source)
	}
}
