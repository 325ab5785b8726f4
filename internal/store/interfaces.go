package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// TaskStore persists task definitions.
type TaskStore interface {
	// CreateTask inserts a new task.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask returns a task by its ID or ErrNotFound.
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)

	// ListTasks returns every task ordered by creation time.
	ListTasks(ctx context.Context) ([]Task, error)

	// UpdateTask overwrites the mutable fields of a task.
	UpdateTask(ctx context.Context, task *Task) error

	// DeleteTask removes a task and its runs.
	DeleteTask(ctx context.Context, id uuid.UUID) error
}

// RunStore persists task runs.
type RunStore interface {
	// CreateRun inserts the initial state of a run.
	CreateRun(ctx context.Context, run *TaskRun) error

	// GetRun returns a run by its ID or ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (*TaskRun, error)

	// UpdateRun saves status, handle, exit code, reason and timestamps.
	UpdateRun(ctx context.Context, run *TaskRun) error

	// ListRuns returns the runs of a task, newest first.
	ListRuns(ctx context.Context, taskID uuid.UUID, limit, offset int) ([]TaskRun, error)

	// CountActiveRuns returns the runs of a task that are pending or running.
	CountActiveRuns(ctx context.Context, taskID uuid.UUID) (int, error)
}
