package handlers

import (
	"context"

	"github.com/google/uuid"

	"taskplane/internal/env"
	"taskplane/internal/executor"
	"taskplane/internal/store"
	"taskplane/internal/telemetry"
)

type mockService struct {
	task  *store.Task
	tasks []store.Task
	run   *store.TaskRun
	runs  []store.TaskRun
	logs  telemetry.Page[env.LogEntry]
	mets  telemetry.Page[env.MetricEntry]
	agg   telemetry.Aggregated
	err   error

	gotSpec   executor.TaskSpec
	gotID     uuid.UUID
	gotLimit  int
	gotOffset int
	gotFilter telemetry.Filter
	gotPaging telemetry.Paging
	gotAgg    telemetry.AggregateRequest
}

func (m *mockService) CreateTask(ctx context.Context, spec executor.TaskSpec) (*store.Task, error) {
	m.gotSpec = spec
	return m.task, m.err
}

func (m *mockService) GetTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	m.gotID = id
	return m.task, m.err
}

func (m *mockService) ListTasks(ctx context.Context) ([]store.Task, error) {
	return m.tasks, m.err
}

func (m *mockService) UpdateTask(ctx context.Context, id uuid.UUID, spec executor.TaskSpec) (*store.Task, error) {
	m.gotID, m.gotSpec = id, spec
	return m.task, m.err
}

func (m *mockService) StartTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	m.gotID = id
	return m.task, m.err
}

func (m *mockService) StopTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	m.gotID = id
	return m.task, m.err
}

func (m *mockService) DeleteTask(ctx context.Context, id uuid.UUID) error {
	m.gotID = id
	return m.err
}

func (m *mockService) TriggerTask(ctx context.Context, id uuid.UUID) (*store.TaskRun, error) {
	m.gotID = id
	return m.run, m.err
}

func (m *mockService) ListRuns(ctx context.Context, taskID uuid.UUID, limit, offset int) ([]store.TaskRun, error) {
	m.gotID, m.gotLimit, m.gotOffset = taskID, limit, offset
	return m.runs, m.err
}

func (m *mockService) GetRun(ctx context.Context, id uuid.UUID) (*store.TaskRun, error) {
	m.gotID = id
	return m.run, m.err
}

func (m *mockService) SearchLogs(ctx context.Context, runID uuid.UUID, filter telemetry.Filter, paging telemetry.Paging) (telemetry.Page[env.LogEntry], error) {
	m.gotID, m.gotFilter, m.gotPaging = runID, filter, paging
	return m.logs, m.err
}

func (m *mockService) SearchMetrics(ctx context.Context, runID uuid.UUID, filter telemetry.Filter, paging telemetry.Paging) (telemetry.Page[env.MetricEntry], error) {
	m.gotID, m.gotFilter, m.gotPaging = runID, filter, paging
	return m.mets, m.err
}

func (m *mockService) AggregateMetrics(ctx context.Context, runID uuid.UUID, req telemetry.AggregateRequest) (telemetry.Aggregated, error) {
	m.gotID, m.gotAgg = runID, req
	return m.agg, m.err
}
