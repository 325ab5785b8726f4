package postgres

import (
	"context"

	"github.com/google/uuid"

	"taskplane/internal/store"
)

const runColumns = `id, task_id, handle_id, status, exit_code, reason, started_at, finished_at, created_at`

func scanRun(row rowScanner) (*store.TaskRun, error) {
	var r store.TaskRun
	err := row.Scan(
		&r.ID, &r.TaskID, &r.HandleID, &r.Status, &r.ExitCode, &r.Reason,
		&r.StartedAt, &r.FinishedAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRun inserts the initial state of a run.
func (s *Store) CreateRun(ctx context.Context, run *store.TaskRun) error {
	query := `
		INSERT INTO task_runs (id, task_id, handle_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query, run.ID, run.TaskID, run.HandleID, run.Status, run.CreatedAt)
	return err
}

// GetRun returns a run by its ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*store.TaskRun, error) {
	query := `SELECT ` + runColumns + ` FROM task_runs WHERE id = $1`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return run, nil
}

// UpdateRun saves the progress of a run.
func (s *Store) UpdateRun(ctx context.Context, run *store.TaskRun) error {
	query := `
		UPDATE task_runs
		SET handle_id = $2, status = $3, exit_code = $4, reason = $5, started_at = $6, finished_at = $7
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		run.ID, run.HandleID, run.Status, run.ExitCode, run.Reason, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return err
	}
	return affected(res)
}

// ListRuns returns the runs of a task, newest first.
func (s *Store) ListRuns(ctx context.Context, taskID uuid.UUID, limit, offset int) ([]store.TaskRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM task_runs
		WHERE task_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.QueryContext(ctx, query, taskID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []store.TaskRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// CountActiveRuns returns the number of pending or running runs of a task.
func (s *Store) CountActiveRuns(ctx context.Context, taskID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM task_runs WHERE task_id = $1 AND status IN ($2, $3)`

	var count int
	err := s.db.QueryRowContext(ctx, query, taskID, store.RunStatusPending, store.RunStatusRunning).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
