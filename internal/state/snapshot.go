package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iaminawe/taskhive/pkg/models"
)

// SessionSummary is the lightweight row used for session listings.
type SessionSummary struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	TotalTasks     int        `json:"total_tasks"`
	CompletedTasks int        `json:"completed_tasks"`
	FailedTasks    int        `json:"failed_tasks"`
}

// SaveSessionSnapshot upserts a full session snapshot: the summary row, the
// serialized session JSON, and per-task and per-agent rows. The whole write
// is one transaction so readers never see a half-updated session.
func (db *DB) SaveSessionSnapshot(session *models.Session) error {
	snapshot, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", session.ID, err)
	}

	return db.Transaction(func(tx *sql.Tx) error {
		var completedAt any
		if session.CompletedAt != nil {
			completedAt = formatTime(*session.CompletedAt)
		}

		_, err := tx.Exec(`
			INSERT INTO sessions (id, name, status, created_at, completed_at, total_tasks, completed_tasks, failed_tasks, snapshot)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				status = excluded.status,
				completed_at = excluded.completed_at,
				total_tasks = excluded.total_tasks,
				completed_tasks = excluded.completed_tasks,
				failed_tasks = excluded.failed_tasks,
				snapshot = excluded.snapshot
		`, session.ID, session.Name, string(session.Status), formatTime(session.CreatedAt), completedAt,
			session.Progress.Total, session.Progress.Completed, session.Progress.Failed, string(snapshot))
		if err != nil {
			return fmt.Errorf("upsert session %s: %w", session.ID, err)
		}

		for _, task := range session.OrderedTasks() {
			var taskCompleted any
			if task.CompletedAt != nil {
				taskCompleted = formatTime(*task.CompletedAt)
			}
			_, err := tx.Exec(`
				INSERT INTO tasks (session_id, id, type, status, priority, assigned_agent, retry_count, error, created_at, completed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(session_id, id) DO UPDATE SET
					status = excluded.status,
					assigned_agent = excluded.assigned_agent,
					retry_count = excluded.retry_count,
					error = excluded.error,
					completed_at = excluded.completed_at
			`, session.ID, task.ID, task.Type, string(task.Status), task.Priority, task.AssignedAgent,
				task.RetryCount, task.Error, formatTime(task.CreatedAt), taskCompleted)
			if err != nil {
				return fmt.Errorf("upsert task %s/%s: %w", session.ID, task.ID, err)
			}
		}

		for _, agent := range session.OrderedAgents() {
			_, err := tx.Exec(`
				INSERT INTO agents (session_id, id, name, status, tasks_completed, tasks_failed, last_heartbeat)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(session_id, id) DO UPDATE SET
					status = excluded.status,
					tasks_completed = excluded.tasks_completed,
					tasks_failed = excluded.tasks_failed,
					last_heartbeat = excluded.last_heartbeat
			`, session.ID, agent.ID, agent.Name, string(agent.Status),
				agent.TasksCompleted, agent.TasksFailed, formatTime(agent.LastHeartbeat))
			if err != nil {
				return fmt.Errorf("upsert agent %s/%s: %w", session.ID, agent.ID, err)
			}
		}

		return nil
	})
}

// GetSession retrieves a full session snapshot by ID.
// Returns nil if no snapshot exists.
func (db *DB) GetSession(id string) (*models.Session, error) {
	row := db.QueryRow(`SELECT snapshot FROM sessions WHERE id = ?`, id)

	var snapshot string
	err := row.Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}

	var session models.Session
	if err := json.Unmarshal([]byte(snapshot), &session); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &session, nil
}

// ListSessions returns session summaries ordered newest first.
// A limit of 0 returns all sessions.
func (db *DB) ListSessions(limit int) ([]SessionSummary, error) {
	query := `
		SELECT id, name, status, created_at, completed_at, total_tasks, completed_tasks, failed_tasks
		FROM sessions ORDER BY created_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var summaries []SessionSummary
	for rows.Next() {
		var s SessionSummary
		var createdAt string
		var completedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.Name, &s.Status, &createdAt, &completedAt,
			&s.TotalTasks, &s.CompletedTasks, &s.FailedTasks); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		s.CreatedAt, _ = parseTime(createdAt)
		s.CompletedAt = parseNullableTime(completedAt)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// PurgeOldSessions deletes sessions (and their task and agent rows) whose
// terminal timestamp is older than the given duration.
// Returns the number of sessions deleted.
func (db *DB) PurgeOldSessions(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	var count int64
	err := db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM tasks WHERE session_id IN
				(SELECT id FROM sessions WHERE completed_at IS NOT NULL AND completed_at < ?)
		`, cutoff)
		if err != nil {
			return fmt.Errorf("purge task rows: %w", err)
		}

		_, err = tx.Exec(`
			DELETE FROM agents WHERE session_id IN
				(SELECT id FROM sessions WHERE completed_at IS NOT NULL AND completed_at < ?)
		`, cutoff)
		if err != nil {
			return fmt.Errorf("purge agent rows: %w", err)
		}

		result, err := tx.Exec(`
			DELETE FROM sessions WHERE completed_at IS NOT NULL AND completed_at < ?
		`, cutoff)
		if err != nil {
			return fmt.Errorf("purge sessions: %w", err)
		}

		count, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	return count, err
}
