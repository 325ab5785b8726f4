// Package telemetry stores the logs and metric samples of task runs and serves paginated
// searches and aggregates over them.
package telemetry

import (
	"context"
	"iter"

	"taskplane/internal/env"
)

// RunHandle namespaces the stored entries of one run.
type RunHandle struct {
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id"`
}

// LogProvider persists and searches run logs.
type LogProvider interface {
	// ConsumeLogs drains seq into storage. It returns the first error of seq or of the store.
	ConsumeLogs(ctx context.Context, run RunHandle, seq iter.Seq2[env.LogEntry, error]) error
	SearchLogs(ctx context.Context, run RunHandle, filter Filter, paging Paging) (Page[env.LogEntry], error)
	// FlushLogs removes every stored log of a task.
	FlushLogs(ctx context.Context, taskID string) error
}

// MetricProvider persists, searches and aggregates run metric samples.
type MetricProvider interface {
	ConsumeMetrics(ctx context.Context, run RunHandle, seq iter.Seq2[env.MetricEntry, error]) error
	SearchMetrics(ctx context.Context, run RunHandle, filter Filter, paging Paging) (Page[env.MetricEntry], error)
	AggregateMetrics(ctx context.Context, run RunHandle, req AggregateRequest) (Aggregated, error)
	// FlushMetrics removes every stored sample of a task.
	FlushMetrics(ctx context.Context, taskID string) error
}
