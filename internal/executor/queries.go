package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskplane/internal/env"
	"taskplane/internal/store"
	"taskplane/internal/telemetry"
)

// ListRuns returns the runs of a task, newest first.
func (e *Executor) ListRuns(ctx context.Context, taskID uuid.UUID, limit, offset int) ([]store.TaskRun, error) {
	if _, err := e.getTask(ctx, taskID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = telemetry.DefaultPageSize
	}
	return e.deps.Runs.ListRuns(ctx, taskID, limit, max(offset, 0))
}

// GetRun returns a run by id.
func (e *Executor) GetRun(ctx context.Context, id uuid.UUID) (*store.TaskRun, error) {
	run, err := e.deps.Runs.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	return run, err
}

func (e *Executor) runHandle(ctx context.Context, runID uuid.UUID) (telemetry.RunHandle, error) {
	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return telemetry.RunHandle{}, err
	}
	return telemetry.RunHandle{TaskID: run.TaskID.String(), RunID: run.ID.String()}, nil
}

// SearchLogs pages through the stored logs of a run.
func (e *Executor) SearchLogs(ctx context.Context, runID uuid.UUID, filter telemetry.Filter, paging telemetry.Paging) (telemetry.Page[env.LogEntry], error) {
	rh, err := e.runHandle(ctx, runID)
	if err != nil {
		return telemetry.Page[env.LogEntry]{}, err
	}
	return e.deps.Logs.SearchLogs(ctx, rh, filter, paging)
}

// SearchMetrics pages through the stored metric samples of a run.
func (e *Executor) SearchMetrics(ctx context.Context, runID uuid.UUID, filter telemetry.Filter, paging telemetry.Paging) (telemetry.Page[env.MetricEntry], error) {
	rh, err := e.runHandle(ctx, runID)
	if err != nil {
		return telemetry.Page[env.MetricEntry]{}, err
	}
	return e.deps.Metrics.SearchMetrics(ctx, rh, filter, paging)
}

// AggregateMetrics summarizes the stored metric samples of a run.
func (e *Executor) AggregateMetrics(ctx context.Context, runID uuid.UUID, req telemetry.AggregateRequest) (telemetry.Aggregated, error) {
	rh, err := e.runHandle(ctx, runID)
	if err != nil {
		return nil, err
	}
	return e.deps.Metrics.AggregateMetrics(ctx, rh, req)
}
