package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// The task queue is a table in the same database as the instances, so
// enqueueing a task and writing the instance row commit together on
// the request path, and a claim is a single transaction.

const taskColumns = "id, name, instance_id, status, enqueued_at, started_at, finished_at"

// EnqueueTask appends a pending task. instanceID may be empty for
// fleet-wide tasks.
func (s *Store) EnqueueTask(ctx context.Context, name, instanceID string) (*Task, error) {
	task := &Task{
		Name:       name,
		InstanceID: instanceID,
		Status:     TaskPending,
		EnqueuedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO tasks (name, instance_id, status, enqueued_at)
		VALUES (?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		task.Name, nullable(task.InstanceID), task.Status, task.EnqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	task.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get task ID: %w", err)
	}
	return task, nil
}

// ClaimTask atomically takes the oldest pending task whose instance has
// no task running, marking it running. Returns nil without error when
// nothing is claimable. One task per instance runs at a time.
func (s *Store) ClaimTask(ctx context.Context) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = ?
		  AND (instance_id IS NULL OR instance_id NOT IN (
			SELECT instance_id FROM tasks WHERE status = ? AND instance_id IS NOT NULL
		  ))
		ORDER BY id ASC
		LIMIT 1
	`
	task, err := scanTask(tx.QueryRowContext(ctx, query, TaskPending, TaskRunning))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ? WHERE id = ?`,
		TaskRunning, now, task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark task running: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	task.Status = TaskRunning
	task.StartedAt = &now
	return task, nil
}

// FinishTask records a task's terminal queue status.
func (s *Store) FinishTask(ctx context.Context, id int64, status TaskStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

// ResetRunningTasks requeues tasks left running by a crashed worker.
// Called once at worker pool startup, before any claim.
func (s *Store) ResetRunningTasks(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = NULL WHERE status = ?`,
		TaskPending, TaskRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to reset running tasks: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// ListTasks lists tasks in a given queue status, oldest first.
func (s *Store) ListTasks(ctx context.Context, status TaskStatus) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(row interface{ Scan(...interface{}) error }) (*Task, error) {
	task := &Task{}
	var instanceID sql.NullString
	err := row.Scan(
		&task.ID,
		&task.Name,
		&instanceID,
		&task.Status,
		&task.EnqueuedAt,
		&task.StartedAt,
		&task.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	task.InstanceID = instanceID.String
	return task, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
