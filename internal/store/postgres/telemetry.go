package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"taskplane/internal/env"
	"taskplane/internal/telemetry"
)

// Telemetry keeps run logs and metric samples in the run_logs and run_metrics tables.
type Telemetry struct {
	store *Store
}

var (
	_ telemetry.LogProvider    = (*Telemetry)(nil)
	_ telemetry.MetricProvider = (*Telemetry)(nil)
)

// Telemetry returns the telemetry provider sharing the store connection.
func (s *Store) Telemetry() *Telemetry {
	return &Telemetry{store: s}
}

// timeBounds converts optional filter bounds into nullable query args.
func timeBounds(f telemetry.Filter) (from, to any) {
	if f.From != nil {
		from = *f.From
	}
	if f.To != nil {
		to = *f.To
	}
	return from, to
}

// rowsSeq streams query results through scan. Stopping the iteration closes the rows.
func rowsSeq[T any](ctx context.Context, t *Telemetry, scan func(rowScanner) (T, error), query string, args ...any) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		rows, err := t.store.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(zero, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			entry, err := scan(rows)
			if err != nil {
				yield(zero, err)
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(zero, err)
		}
	}
}

func scanLog(row rowScanner) (env.LogEntry, error) {
	var e env.LogEntry
	err := row.Scan(&e.Stream, &e.Time, &e.Content)
	return e, err
}

func scanMetric(row rowScanner) (env.MetricEntry, error) {
	var (
		e     env.MetricEntry
		extra []byte
	)
	if err := row.Scan(&e.Time, &e.CPU, &e.RAM, &extra); err != nil {
		return e, err
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &e.Extra); err != nil {
			return e, fmt.Errorf("decode metric extra: %w", err)
		}
	}
	return e, nil
}

// ConsumeLogs inserts each entry as it arrives so partial output survives a crash.
func (t *Telemetry) ConsumeLogs(ctx context.Context, run telemetry.RunHandle, seq iter.Seq2[env.LogEntry, error]) error {
	query := `INSERT INTO run_logs (task_id, run_id, stream, ts, content) VALUES ($1, $2, $3, $4, $5)`
	for entry, err := range seq {
		if err != nil {
			return err
		}
		if _, err := t.store.db.ExecContext(ctx, query, run.TaskID, run.RunID, entry.Stream, entry.Time.UTC(), entry.Content); err != nil {
			return fmt.Errorf("insert log entry: %w", err)
		}
	}
	return nil
}

// SearchLogs pages through the logs of a run in insertion order.
func (t *Telemetry) SearchLogs(ctx context.Context, run telemetry.RunHandle, filter telemetry.Filter, paging telemetry.Paging) (telemetry.Page[env.LogEntry], error) {
	match, err := filter.LogMatcher()
	if err != nil {
		return telemetry.Page[env.LogEntry]{}, err
	}
	from, to := timeBounds(filter)
	query := `
		SELECT stream, ts, content FROM run_logs
		WHERE task_id = $1 AND run_id = $2
			AND ($3::timestamptz IS NULL OR ts >= $3)
			AND ($4::timestamptz IS NULL OR ts <= $4)
		ORDER BY id ASC
	`
	seq := rowsSeq(ctx, t, scanLog, query, run.TaskID, run.RunID, from, to)
	return telemetry.Paginate(seq, match, paging)
}

// FlushLogs removes every log of a task.
func (t *Telemetry) FlushLogs(ctx context.Context, taskID string) error {
	_, err := t.store.db.ExecContext(ctx, `DELETE FROM run_logs WHERE task_id = $1`, taskID)
	return err
}

// ConsumeMetrics inserts each sample as it arrives.
func (t *Telemetry) ConsumeMetrics(ctx context.Context, run telemetry.RunHandle, seq iter.Seq2[env.MetricEntry, error]) error {
	query := `INSERT INTO run_metrics (task_id, run_id, ts, cpu, ram, extra) VALUES ($1, $2, $3, $4, $5, $6)`
	for entry, err := range seq {
		if err != nil {
			return err
		}
		var extra any
		if len(entry.Extra) > 0 {
			b, err := json.Marshal(entry.Extra)
			if err != nil {
				return err
			}
			extra = b
		}
		if _, err := t.store.db.ExecContext(ctx, query, run.TaskID, run.RunID, entry.Time.UTC(), entry.CPU, entry.RAM, extra); err != nil {
			return fmt.Errorf("insert metric sample: %w", err)
		}
	}
	return nil
}

func (t *Telemetry) metrics(ctx context.Context, run telemetry.RunHandle, filter telemetry.Filter) iter.Seq2[env.MetricEntry, error] {
	from, to := timeBounds(filter)
	query := `
		SELECT ts, cpu, ram, extra FROM run_metrics
		WHERE task_id = $1 AND run_id = $2
			AND ($3::timestamptz IS NULL OR ts >= $3)
			AND ($4::timestamptz IS NULL OR ts <= $4)
		ORDER BY id ASC
	`
	return rowsSeq(ctx, t, scanMetric, query, run.TaskID, run.RunID, from, to)
}

// SearchMetrics pages through the samples of a run in insertion order.
func (t *Telemetry) SearchMetrics(ctx context.Context, run telemetry.RunHandle, filter telemetry.Filter, paging telemetry.Paging) (telemetry.Page[env.MetricEntry], error) {
	return telemetry.Paginate(t.metrics(ctx, run, filter), filter.MetricMatcher(), paging)
}

// AggregateMetrics computes statistics over the samples of a run.
func (t *Telemetry) AggregateMetrics(ctx context.Context, run telemetry.RunHandle, req telemetry.AggregateRequest) (telemetry.Aggregated, error) {
	return telemetry.Aggregate(t.metrics(ctx, run, req.Filter), req)
}

// FlushMetrics removes every sample of a task.
func (t *Telemetry) FlushMetrics(ctx context.Context, taskID string) error {
	_, err := t.store.db.ExecContext(ctx, `DELETE FROM run_metrics WHERE task_id = $1`, taskID)
	return err
}
