package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"taskplane/internal/env"
	"taskplane/internal/store"
)

const taskColumns = `id, name, label, os_name, os_version, steps, cron, once, limitations,
	max_concurrent_runs, delete_instances, env_key, script, status, status_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	var (
		t           store.Task
		steps       []byte
		limitations []byte
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.Label, &t.OS.Name, &t.OS.Version, &steps, &t.Cron, &t.Once, &limitations,
		&t.MaxConcurrentRuns, &t.DeleteInstances, &t.EnvKey, &t.Script, &t.Status, &t.StatusReason,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &t.Steps); err != nil {
		return nil, fmt.Errorf("decode steps of task %s: %w", t.ID, err)
	}
	if len(limitations) > 0 {
		t.Limitations = &env.Limitations{}
		if err := json.Unmarshal(limitations, t.Limitations); err != nil {
			return nil, fmt.Errorf("decode limitations of task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// encodeTask converts the JSON columns of a task. Missing limitations are NULL.
func encodeTask(task *store.Task) (steps []byte, limitations any, err error) {
	if task.Steps == nil {
		steps = []byte("[]")
	} else if steps, err = json.Marshal(task.Steps); err != nil {
		return nil, nil, err
	}
	if task.Limitations != nil {
		b, err := json.Marshal(task.Limitations)
		if err != nil {
			return nil, nil, err
		}
		limitations = b
	}
	return steps, limitations, nil
}

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, task *store.Task) error {
	steps, limitations, err := encodeTask(task)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err = s.db.ExecContext(ctx, query,
		task.ID, task.Name, task.Label, task.OS.Name, task.OS.Version, steps, task.Cron, task.Once,
		limitations, task.MaxConcurrentRuns, task.DeleteInstances, task.EnvKey, task.Script,
		task.Status, task.StatusReason, task.CreatedAt, task.UpdatedAt,
	)
	return err
}

// GetTask returns a task by its ID.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return task, nil
}

// ListTasks returns every task, oldest first.
func (s *Store) ListTasks(ctx context.Context) ([]store.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []store.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// UpdateTask overwrites the mutable columns of a task.
func (s *Store) UpdateTask(ctx context.Context, task *store.Task) error {
	steps, limitations, err := encodeTask(task)
	if err != nil {
		return err
	}
	query := `
		UPDATE tasks SET name = $2, os_name = $3, os_version = $4, steps = $5, cron = $6, once = $7,
			limitations = $8, max_concurrent_runs = $9, delete_instances = $10, env_key = $11,
			script = $12, status = $13, status_reason = $14, updated_at = $15
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		task.ID, task.Name, task.OS.Name, task.OS.Version, steps, task.Cron, task.Once, limitations,
		task.MaxConcurrentRuns, task.DeleteInstances, task.EnvKey, task.Script, task.Status,
		task.StatusReason, task.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return affected(res)
}

// DeleteTask removes a task. Runs go with it through the foreign key cascade.
func (s *Store) DeleteTask(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return affected(res)
}
